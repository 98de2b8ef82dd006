// Package models defines the database model types for the audit ledger.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types: business logic belongs in the audit and session packages, query logic belongs in the repositories layer.
package models
