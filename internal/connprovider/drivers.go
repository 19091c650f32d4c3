// Copyright 2025 James Ross
package connprovider

import (
	// Register the Postgres driver so owned-mode callers can pass
	// DriverPostgres without their own blank import.
	_ "github.com/lib/pq"
)

// DriverPostgres is the driver name for PostgreSQL-style connection strings.
const DriverPostgres = "postgres"
