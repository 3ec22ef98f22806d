package models

// Store is a merchant receiving payments.
type Store struct {
	Base
	Name             string `gorm:"size:255;not null" json:"name"`
	WalletAddress    string `gorm:"size:64" json:"walletAddress"`
	SVMWalletAddress string `gorm:"size:64" json:"svmWalletAddress,omitempty"`
}
