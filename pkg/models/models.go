package models

import (
	"time"
)

const (
	BookTable   = "books"
	RentalTable = "rentals"
)

type Book struct {
	Isbn          string `gorm:"primaryKey;size:32"`
	Title         string `gorm:"not null"`
	Author        string `gorm:"not null"`
	Description   string `gorm:"type:text;not null;default:''"`
	PublishedYear int    `gorm:"not null"`
	TotalCopies   int    `gorm:"not null;check:total_copies >= 0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Rental is open while ReturnedAt is nil.
type Rental struct {
	ID         string     `gorm:"type:varchar(36);primaryKey"`
	BookIsbn   string     `gorm:"size:32;not null;index"`
	UserID     string     `gorm:"size:255;not null;index"`
	RentedAt   time.Time  `gorm:"not null"`
	ReturnedAt *time.Time `gorm:"index"`

	Book *Book `gorm:"foreignKey:BookIsbn;references:Isbn;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (Book) TableName() string   { return BookTable }
func (Rental) TableName() string { return RentalTable }

func (r Rental) IsOpen() bool { return r.ReturnedAt == nil }

// BookStock is a Book row joined with the number of its open rentals.
type BookStock struct {
	Book
	OpenRentals int64
}

func (b BookStock) AvailableCopies() int {
	return b.TotalCopies - int(b.OpenRentals)
}
