package runstore

import (
	"fmt"
	"strings"

	"github.com/canectors/dataflow/internal/database"
)

// Config selects the registry backend.
type Config struct {
	// Driver is memory, sqlite3 or postgres. Empty means memory without a
	// DSN and is detected from the DSN otherwise.
	Driver string
	DSN    string
}

// New opens the store described by cfg.
func New(cfg Config) (Store, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "memory" || (driver == "" && cfg.DSN == "") {
		return NewMemoryStore(), nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("run registry driver %s requires a DSN", cfg.Driver)
	}
	if _, err := database.NormalizeDriver(driver, cfg.DSN); err != nil {
		return nil, fmt.Errorf("run registry: %w", err)
	}
	return OpenSQLStore(database.Config{ConnectionString: cfg.DSN, Driver: driver})
}
