package config

import (
	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "agentfleet"

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when it is missing
// or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}
