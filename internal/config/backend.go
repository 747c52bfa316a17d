package config

// Store persists settings as text. Values are parsed against the key table
// when loading, so a platform store only needs to round-trip strings.
type Store interface {
	Get(key string) (val string, ok bool, err error)
	Set(key, val string) error
	Delete(key string) error
}

// SecretStore holds credentials outside the settings store, addressed by
// account name.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}
