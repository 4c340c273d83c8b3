package repository

import (
	"database/sql"

	"go.uber.org/zap"
)

// PostgresStore combines the table repositories into a Store.
type PostgresStore struct {
	*WalletRepository
	*TransactionRepository
	*PayoutRepository
	*AuditRepository
	*ControlRepository
	*MerchantRepository
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		WalletRepository:      NewWalletRepository(db, logger),
		TransactionRepository: NewTransactionRepository(db, logger),
		PayoutRepository:      NewPayoutRepository(db, logger),
		AuditRepository:       NewAuditRepository(db, logger),
		ControlRepository:     NewControlRepository(db, logger),
		MerchantRepository:    NewMerchantRepository(db, logger),
	}
}
