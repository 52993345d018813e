// Package storetest opens SQLite databases carrying the production schema
// for repository and service tests.
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE donors (
		id INTEGER PRIMARY KEY,
		wallet_address TEXT,
		email TEXT,
		display_name TEXT,
		total_donated INTEGER NOT NULL DEFAULT 0,
		donation_count INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT 'Bronze',
		last_donation_at DATETIME,
		tier_updated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE patients (
		id INTEGER PRIMARY KEY,
		age INTEGER NOT NULL DEFAULT 0,
		diagnosis TEXT NOT NULL DEFAULT '',
		funding_goal INTEGER NOT NULL DEFAULT 0,
		current_funding INTEGER NOT NULL DEFAULT 0,
		priority INTEGER,
		impact_story TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE public_patients (
		patient_id INTEGER PRIMARY KEY,
		anonymous_id TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		general_diagnosis TEXT NOT NULL DEFAULT '',
		funding_goal INTEGER NOT NULL DEFAULT 0,
		current_funding INTEGER NOT NULL DEFAULT 0,
		funding_progress REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 5,
		impact_story TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE donations (
		id INTEGER PRIMARY KEY,
		donor_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		external_tx_id TEXT NOT NULL,
		patient_id INTEGER,
		is_anonymous BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		ledger_tx_hash TEXT,
		ledger_error TEXT,
		ledger_error_kind TEXT,
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		next_sync_at DATETIME,
		created_at DATETIME NOT NULL,
		confirmed_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_donations_external_tx_id ON donations (external_tx_id)`,
	`CREATE TABLE auctions (
		id INTEGER PRIMARY KEY,
		seller_id INTEGER NOT NULL,
		item_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		token_uri TEXT NOT NULL DEFAULT '',
		starting_bid INTEGER NOT NULL DEFAULT 0,
		current_bid INTEGER NOT NULL DEFAULT 0,
		min_bid_increment INTEGER NOT NULL DEFAULT 0,
		target_bid INTEGER NOT NULL DEFAULT 0,
		bid_count INTEGER NOT NULL DEFAULT 0,
		current_bidder_id INTEGER,
		winner_id INTEGER,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		ledger_auction_id TEXT,
		ledger_tx_hash TEXT,
		ledger_error TEXT,
		link_attempts INTEGER NOT NULL DEFAULT 0,
		finalize_attempts INTEGER NOT NULL DEFAULT 0,
		next_finalize_at DATETIME,
		finalizing_started_at DATETIME,
		finalized_at DATETIME,
		finalization_tx_hash TEXT,
		token_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE auction_deliveries (
		id INTEGER PRIMARY KEY,
		auction_id INTEGER NOT NULL,
		winner_id INTEGER NOT NULL,
		item_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending_coordination',
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_auction_deliveries_auction ON auction_deliveries (auction_id)`,
	`CREATE TABLE achievements (
		id INTEGER PRIMARY KEY,
		donor_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		value INTEGER NOT NULL DEFAULT 0,
		token_uri TEXT NOT NULL DEFAULT '',
		token_id TEXT,
		tx_hash TEXT,
		ledger_error TEXT,
		mint_attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_achievements_donor_kind_tier ON achievements (donor_id, kind, tier)`,
	`CREATE TABLE entity_events (
		id INTEGER PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		before TEXT,
		after TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		available_at DATETIME NOT NULL,
		processed_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE analytics_snapshots (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		computed_at DATETIME NOT NULL
	)`,
	`CREATE TABLE engagement_reminders (
		id INTEGER PRIMARY KEY,
		donor_id INTEGER NOT NULL,
		period_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_engagement_reminders_donor_period ON engagement_reminders (donor_id, period_key)`,
}

// Open returns a private in-memory database with every table created.
// Row-locking clauses are stripped because SQLite has no equivalent.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:careledger_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("storetest:strip_locks", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("storetest:strip_locks_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("storetest:strip_locks_raw", stripLocks); err != nil {
		t.Fatalf("register raw callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}
