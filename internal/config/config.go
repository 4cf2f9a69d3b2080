package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	ExternalURL          string // Public base URL clients see, e.g. "https://acme.example.org"
	HTTPSAddress         string // The address to listen on for HTTPS
	HTTPSCertFile        string // Path to the HTTPS certificate file
	HTTPSKeyFile         string // Path to the HTTPS private key file
	DataDir              string // Directory for generated HTTPS material
	StorageType          string // Storage type: "postgres" or "memory"
	DBHost               string // PostgreSQL host
	DBUser               string // PostgreSQL user
	DBPassword           string // PostgreSQL password
	DBName               string // PostgreSQL database name
	DBPort               int    // PostgreSQL port
	DBSSLMode            string // PostgreSQL SSL mode
	DBCert               string // PostgreSQL client certificate file
	DBKey                string // PostgreSQL client private key file
	DBRootCert           string // PostgreSQL root CA certificate file
	CABackend            string // CA backend: "local" or "rest"
	CAAPIHost            string // REST CA backend base URL
	CAAPIUser            string // REST CA backend basic-auth user
	CAAPIPassword        string // REST CA backend basic-auth password
	CAName               string // CA name to enroll against on the REST backend
	NonceTTLMinutes      int    // Validity window for issued nonces
	OrderExpiryDays      int    // Expiry window for new orders
	AuthzExpiryDays      int    // Expiry window for new authorizations
	TNAuthListSupport    bool   // Accept TNAuthList identifiers and tkauth-01 challenges
	InnerHeaderNonceOK   bool   // Permit a nonce header in the inner key-change JWS
	TOSURL               string // Terms-of-service URL advertised in the directory
}

const (
	defaultExternalURL     = "https://localhost:8443"
	defaultHTTPSAddress    = ":8443"
	defaultHTTPSCertFile   = "./data/https.crt"
	defaultHTTPSKeyFile    = "./data/https.key"
	defaultDataDir         = "./data"
	defaultStorageType     = "postgres"
	defaultDBHost          = "localhost"
	defaultDBUser          = "acme2certifier"
	defaultDBPassword      = "password"
	defaultDBName          = "acme2certifier"
	defaultDBPort          = 5432
	defaultDBSSLMode       = "disable"
	defaultCABackend       = "local"
	defaultNonceTTLMinutes = 30
	defaultOrderExpiryDays = 2
	defaultAuthzExpiryDays = 1
)

// LoadConfig loads the server configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:        getEnv("ACME2C_EXTERNAL_URL", defaultExternalURL),
		HTTPSAddress:       getEnv("ACME2C_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPSCertFile:      getEnv("ACME2C_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:       getEnv("ACME2C_HTTPS_KEY_FILE", defaultHTTPSKeyFile),
		DataDir:            getEnv("ACME2C_DATA_DIR", defaultDataDir),
		StorageType:        getEnv("ACME2C_STORAGE_TYPE", defaultStorageType),
		DBHost:             getEnv("ACME2C_DB_HOST", defaultDBHost),
		DBUser:             getEnv("ACME2C_DB_USER", defaultDBUser),
		DBPassword:         getEnv("ACME2C_DB_PASSWORD", defaultDBPassword),
		DBName:             getEnv("ACME2C_DB_NAME", defaultDBName),
		DBPort:             getEnvAsInt("ACME2C_DB_PORT", defaultDBPort),
		DBSSLMode:          getEnv("ACME2C_DB_SSLMODE", defaultDBSSLMode),
		DBCert:             getEnv("ACME2C_DB_CERT", ""),
		DBKey:              getEnv("ACME2C_DB_KEY", ""),
		DBRootCert:         getEnv("ACME2C_DB_ROOTCERT", ""),
		CABackend:          getEnv("ACME2C_CA_BACKEND", defaultCABackend),
		CAAPIHost:          getEnv("ACME2C_CA_API_HOST", ""),
		CAAPIUser:          getEnv("ACME2C_CA_API_USER", ""),
		CAAPIPassword:      getEnv("ACME2C_CA_API_PASSWORD", ""),
		CAName:             getEnv("ACME2C_CA_NAME", ""),
		NonceTTLMinutes:    getEnvAsInt("ACME2C_NONCE_TTL_MINUTES", defaultNonceTTLMinutes),
		OrderExpiryDays:    getEnvAsInt("ACME2C_ORDER_EXPIRY_DAYS", defaultOrderExpiryDays),
		AuthzExpiryDays:    getEnvAsInt("ACME2C_AUTHZ_EXPIRY_DAYS", defaultAuthzExpiryDays),
		TNAuthListSupport:  getEnvAsBool("ACME2C_TNAUTHLIST_SUPPORT", false),
		InnerHeaderNonceOK: getEnvAsBool("ACME2C_INNER_HEADER_NONCE_ALLOW", false),
		TOSURL:             getEnv("ACME2C_TOS_URL", ""),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
