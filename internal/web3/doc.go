// Package web3 defines the chain-facing contracts used by the Safe
// transaction engine: the RelayClient capability set, call and revert value
// types, managed log subscriptions, and the YAML chain definitions consumed
// by the provider registry.
package web3
