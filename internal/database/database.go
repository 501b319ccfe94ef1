package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"brd-sync/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/fx"
)

// MongodbDB wraps the application database handle
type MongodbDB struct {
	DB *mongo.Database
}

// SQLDB wraps the optional relational pool used by the local BRD store.
// Driver is the database/sql driver name, empty when no pool is open.
type SQLDB struct {
	DB     *sql.DB
	Driver string
}

// NewDatabase creates a new MongoDB database connection with lifecycle management
func NewDatabase(lc fx.Lifecycle, cfg *config.Config) (*MongodbDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	log.Println("Connected to MongoDB!")

	db := client.Database(cfg.DBName)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Println("Disconnecting from MongoDB...")
			return client.Disconnect(ctx)
		},
	})

	return &MongodbDB{DB: db}, nil
}

// NewSQL opens the relational pool when LOCAL_STORE_DRIVER is postgres or
// mysql. It returns an empty handle otherwise so callers fall back to Mongo.
func NewSQL(lc fx.Lifecycle, cfg *config.Config) (*SQLDB, error) {
	driver := cfg.LocalStoreDriver
	if driver != "postgres" && driver != "mysql" {
		return &SQLDB{}, nil
	}
	if cfg.LocalStoreDSN == "" {
		return nil, fmt.Errorf("LOCAL_STORE_DSN is required when LOCAL_STORE_DRIVER=%s", driver)
	}

	db, err := sql.Open(driver, cfg.LocalStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	log.Printf("Connected to %s!", driver)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	return &SQLDB{DB: db, Driver: driver}, nil
}
