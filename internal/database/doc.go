// Package database provides the PostgreSQL persistence layer: connection
// pooling, tern migrations, and repositories for identities and the desired
// reward catalog.
package database
