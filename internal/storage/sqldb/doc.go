// Package sqldb opens the relational database shared by the task, approval,
// wallet and auth stores and applies the embedded schema migrations. MySQL
// and SQLite are supported; queries use portable "?" placeholders.
package sqldb
