package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/getpup/pupsourcing-durable/store/sqldb"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// validateConfig validates all configuration values to prevent SQL injection.
func validateConfig(config *Config) error {
	if err := validateIdentifier(config.TablePrefix, "TablePrefix"); err != nil {
		return err
	}
	return config.Tables().Validate()
}

// Config configures migration generation for the executor's tables.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// TablePrefix is prepended to every table name, e.g. durable_oplog
	TablePrefix string

	// IncludeDown also writes a <name>.down.sql file dropping the tables
	IncludeDown bool
}

// DefaultConfig returns the default configuration for executor migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_durable_executor.sql", timestamp),
		TablePrefix:    "durable",
	}
}

// Tables returns the table names the migration creates.
func (c *Config) Tables() sqldb.TableConfig {
	return sqldb.PrefixedTableConfig(c.TablePrefix)
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(sqldb.Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(sqldb.MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(sqldb.SQLite, config)
}

// Generate writes the migration file for the dialect.
func Generate(dialect sqldb.Dialect, config *Config) error {
	// Validate configuration to prevent SQL injection
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(generateUp(dialect, config)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	if config.IncludeDown {
		downPath := filepath.Join(config.OutputFolder, DownFilename(config.OutputFilename))
		if err := os.WriteFile(downPath, []byte(generateDown(dialect, config)), 0o600); err != nil {
			return fmt.Errorf("failed to write down migration file: %w", err)
		}
	}

	return nil
}

// DownFilename returns the name of the down migration written next to filename.
func DownFilename(filename string) string {
	return strings.TrimSuffix(filename, ".sql") + ".down.sql"
}

func header(dialect sqldb.Dialect) string {
	names := map[sqldb.Dialect]string{
		sqldb.Postgres: "PostgreSQL",
		sqldb.MySQL:    "MySQL",
		sqldb.SQLite:   "SQLite",
	}
	return fmt.Sprintf(`-- Durable Worker Executor Migration
-- Generated: %s
-- Database: %s

`, time.Now().Format(time.RFC3339), names[dialect])
}

func generateUp(dialect sqldb.Dialect, config *Config) string {
	return header(dialect) + sqldb.MigrationUp(dialect, config.Tables())
}

func generateDown(dialect sqldb.Dialect, config *Config) string {
	return header(dialect) + sqldb.MigrationDown(config.Tables())
}
