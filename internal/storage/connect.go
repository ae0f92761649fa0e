package storage

import (
	"fmt"
	"log"

	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/gateway"
	"github.com/matthewbub/wussup.chat-sub003/internal/storage/supabase"
)

// Connect opens the persistence gateway selected by cfg.Gateway. The sql
// backend is migrated before it is returned.
func Connect(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case "supabase":
		log.Printf("storage: using supabase gateway at %s", cfg.Supabase.URL)
		return supabase.New(supabase.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.APIKey})
	case "", "sql":
		driver := cfg.BasicConfig.Database
		log.Printf("storage: using %s gateway", driver)
		db, err := Open(driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		store, err := New(db, driver, cfg.Security.KeyEncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported gateway: %s", cfg.Gateway)
	}
}
