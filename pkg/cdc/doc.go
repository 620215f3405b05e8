// Package cdc provides the public interfaces for consuming change data capture
// streams of the customers collection.
//
// The anonymizer consumes a ChangeFeed to observe every insert and update made by
// upstream producers. Implementations live under internal/cdc:
//   - sqlserver: polls the native SQL Server CDC change table
//   - sqlite: polls a trigger-populated change log
//   - kafka: consumes Debezium envelopes from a Kafka topic
package cdc
