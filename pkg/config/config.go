package config

// Config is the resolved runtime configuration for the broker, assembled
// from CLI flags and environment in cmd/broker.
type Config struct {
	Port       int
	Expiry     int64
	Origin     string
	Secret     string
	Connection string
	KeyPath    string
	CertPath   string
	SavePath   string
}

// Default returns the local development defaults.
func Default() Config {
	return Config{
		Port:       8080,
		Expiry:     3600,
		Origin:     "http://localhost:3000",
		Secret:     "secret",
		Connection: "http",
		KeyPath:    "./broker.rsa",
		CertPath:   "./broker.pem",
		SavePath:   "./tmp/broker_data",
	}
}
