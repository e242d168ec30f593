package model

// Review is a captured product review. Reviews are created by an external
// workflow and are read-only to this service.
type Review struct {
	ID        string `db:"id" json:"id"`
	UserID    string `db:"user_id" json:"user_id"`
	Email     string `db:"email" json:"email"`
	ProductID string `db:"product_id" json:"product_id"`
}

// Product links a review to the giveaway campaign whose reward units apply.
type Product struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Giveaway string `db:"giveaway" json:"giveaway"`
}
