// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

// Package db is the CA-side store: PKI user records, issued
// certificates, and the per-exchange audit log.
package db

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// State wraps the open database handle.
type State struct {
	DB *gorm.DB
}

// PKIUser is one enrolment record: the reference value a client puts in
// its senderKID, the shared MAC secret, and the DN the CA issues under.
type PKIUser struct {
	ID         string `gorm:"primaryKey"`
	Reference  []byte `gorm:"uniqueIndex;not null"`
	Secret     []byte `gorm:"not null"`
	SubjectDER []byte
	CommonName string
	CreatedAt  time.Time
}

// IssuedCertificate records every certificate the CA has produced,
// revocation state included.
type IssuedCertificate struct {
	ID           string `gorm:"primaryKey"`
	SerialNumber string `gorm:"uniqueIndex;not null"`
	SubjectDER   []byte
	IssuerDER    []byte
	Raw          []byte
	Revoked      bool
	ReasonCode   int
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// TransactionRecord is one line of the exchange audit log.
type TransactionRecord struct {
	ID            string `gorm:"primaryKey"`
	TransactionID string `gorm:"index"`
	Operation     string
	Outcome       string
	Detail        string
	CreatedAt     time.Time
}

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// InitDb opens and migrates the store. Supported types are "sqlite" and
// "postgres"; dsn is passed to the driver as is.
func InitDb(dbType, dsn string) (*State, error) {
	var dialector gorm.Dialector
	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := gdb.AutoMigrate(&PKIUser{}, &IssuedCertificate{}, &TransactionRecord{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	slog.Debug("Database initialized", "type", dbType)
	return &State{DB: gdb}, nil
}

// CreateUser inserts a new PKI user record.
func (s *State) CreateUser(user *PKIUser) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if err := s.DB.Create(user).Error; err != nil {
		return fmt.Errorf("creating PKI user: %w", err)
	}
	return nil
}

// GetUserByReference fetches the user record for a senderKID value.
func (s *State) GetUserByReference(reference []byte) (*PKIUser, error) {
	var user PKIUser
	err := s.DB.Where("reference = ?", reference).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching PKI user: %w", err)
	}
	return &user, nil
}

// ListUsers returns all enrolment records.
func (s *State) ListUsers() ([]PKIUser, error) {
	var users []PKIUser
	if err := s.DB.Order("created_at").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing PKI users: %w", err)
	}
	return users, nil
}

// StoreCertificate records an issued certificate.
func (s *State) StoreCertificate(serial *big.Int, subjectDER, issuerDER, raw []byte) error {
	rec := IssuedCertificate{
		ID:           uuid.NewString(),
		SerialNumber: serial.Text(16),
		SubjectDER:   subjectDER,
		IssuerDER:    issuerDER,
		Raw:          raw,
	}
	if err := s.DB.Create(&rec).Error; err != nil {
		return fmt.Errorf("storing certificate: %w", err)
	}
	return nil
}

// RevokeCertificate marks an issued certificate revoked. Revoking an
// unknown serial returns ErrNotFound; revoking twice is idempotent.
func (s *State) RevokeCertificate(serial *big.Int, reason int) error {
	now := time.Now()
	res := s.DB.Model(&IssuedCertificate{}).
		Where("serial_number = ?", serial.Text(16)).
		Updates(map[string]any{"revoked": true, "reason_code": reason, "revoked_at": &now})
	if res.Error != nil {
		return fmt.Errorf("revoking certificate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCertificateBySerial fetches one issued certificate.
func (s *State) GetCertificateBySerial(serial *big.Int) (*IssuedCertificate, error) {
	var rec IssuedCertificate
	err := s.DB.Where("serial_number = ?", serial.Text(16)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching certificate: %w", err)
	}
	return &rec, nil
}

// LogTransaction appends to the exchange audit log. Logging failures
// are reported but never block protocol processing.
func (s *State) LogTransaction(transactionID, operation, outcome, detail string) {
	rec := TransactionRecord{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Operation:     operation,
		Outcome:       outcome,
		Detail:        detail,
	}
	if err := s.DB.Create(&rec).Error; err != nil {
		slog.Error("Error logging transaction", "err", err)
	}
}
