package config

// ConfigBackend abstracts platform-native config storage.
// macOS uses UserDefaults (via the `defaults` CLI); Linux and other
// platforms use an XDG config file.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
