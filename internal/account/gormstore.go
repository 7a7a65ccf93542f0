package account

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// accountRow is the gorm-mapped persistence shape. Storage format is not
// part of the public contract; only the Persister interface is.
type accountRow struct {
	ID                string `gorm:"primaryKey"`
	RefreshToken      string
	AccessToken       string
	AccessTokenExpiry time.Time
	ProjectID         string
	Enabled           bool
	DisabledUntil     time.Time
	RecentFailures    int
	RecentAttempts    int
	Headroom          float64
	LastUsed          time.Time
}

func (accountRow) TableName() string { return "accounts" }

func rowFromAccount(a Account) accountRow {
	return accountRow{
		ID:                a.ID,
		RefreshToken:      a.RefreshToken,
		AccessToken:       a.AccessToken,
		AccessTokenExpiry: a.AccessTokenExpiry,
		ProjectID:         a.ProjectID,
		Enabled:           a.Enabled,
		DisabledUntil:     a.DisabledUntil,
		RecentFailures:    a.Quota.RecentFailures,
		RecentAttempts:    a.Quota.RecentAttempts,
		Headroom:          a.Quota.Headroom,
		LastUsed:          a.LastUsed,
	}
}

func (r accountRow) toAccount() Account {
	return Account{
		ID:                r.ID,
		RefreshToken:      r.RefreshToken,
		AccessToken:       r.AccessToken,
		AccessTokenExpiry: r.AccessTokenExpiry,
		ProjectID:         r.ProjectID,
		Enabled:           r.Enabled,
		DisabledUntil:     r.DisabledUntil,
		Quota: QuotaState{
			RecentFailures: r.RecentFailures,
			RecentAttempts: r.RecentAttempts,
			Headroom:       r.Headroom,
		},
		LastUsed: r.LastUsed,
	}
}

// GormPersister persists accounts to a sqlite database via gorm, grounded
// in the token-manager persistence layer of the sibling OAuth proxy this
// design is modeled on.
type GormPersister struct {
	db *gorm.DB
}

// OpenGormPersister opens (creating if necessary) a sqlite database at path
// and migrates the accounts table.
func OpenGormPersister(path string) (*GormPersister, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, err
	}
	return &GormPersister{db: db}, nil
}

// LoadAll returns every persisted account, in primary-key order.
func (p *GormPersister) LoadAll() ([]Account, error) {
	var rows []accountRow
	if err := p.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAccount())
	}
	return out, nil
}

// Save upserts one account row.
func (p *GormPersister) Save(a Account) error {
	row := rowFromAccount(a)
	return p.db.Save(&row).Error
}
