package config

import (
	"crypto/x509"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir                 string              // Directory for file storage and generated HTTPS material
	ExternalURL             string              // Public base URL used to build ACME resource URLs
	Organization            string              // Organization name for the root certificates
	Country                 string              // Country code for the root certificates
	Province                string              // Province for the root certificates
	Locality                string              // Locality for the root certificates
	RSARootCommonName       string              // Common Name of the RSA root
	ECDSARootCommonName     string              // Common Name of the ECDSA root
	RSARootKeySize          int                 // Bit size used when generating the RSA root key
	CACertValidityYears     int                 // Validity period of generated roots in years
	DefaultCertValidityDays int                 // Validity period of issued certificates in days
	CRLValidityHours        int                 // nextUpdate distance for CRLs and OCSP responses
	CRLRefreshInterval      time.Duration       // How often the CRL publisher regenerates the CRL
	StorageType             string              // Storage type: "file" or "postgres"
	DBHost                  string              // PostgreSQL host
	DBUser                  string              // PostgreSQL user
	DBPassword              string              // PostgreSQL password
	DBName                  string              // PostgreSQL database name
	DBPort                  int                 // PostgreSQL port
	DBSSLMode               string              // PostgreSQL SSL mode
	DBCert                  string              // PostgreSQL client certificate file
	DBKey                   string              // PostgreSQL client private key file
	DBRootCert              string              // PostgreSQL root CA certificate file
	AuditType               string              // Audit ledger backend: "sqlite", "postgres" or "none"
	AuditDSN                string              // Audit ledger DSN (sqlite file path or postgres DSN)
	KeySource               string              // Where root keys come from: "storage", "files" or "pkcs11"
	RSARootCertFile         string              // PEM certificate of the RSA root ("files" source)
	RSARootKeyFile          string              // PEM private key of the RSA root ("files" source)
	ECDSARootCertFile       string              // PEM certificate of the ECDSA root ("files" and "pkcs11" sources)
	ECDSARootKeyFile        string              // PEM private key of the ECDSA root ("files" source)
	PKCS11Module            string              // Path of the PKCS#11 module
	PKCS11TokenLabel        string              // Token label holding the root keys
	PKCS11Pin               string              // User PIN for the token
	PKCS11RSAKeyLabel       string              // Label of the RSA root key pair on the token
	PKCS11ECDSAKeyLabel     string              // Label of the ECDSA root key pair on the token
	APIKeys                 map[string]APIKey   // API keys and their roles
	CertificatePolicies     CertificatePolicies // Certificate policies
	HTTPSCertFile           string              // Path to the HTTPS certificate file
	HTTPSKeyFile            string              // Path to the HTTPS private key file
	HTTPSAddress            string              // The address to listen on for HTTPS
	HTTPAddress             string              // The address to listen on for plain HTTP (OCSP, CRL, cacerts)
	TermsOfServiceURL       string              // When set, new accounts must agree to it
	OrderLifetime           time.Duration       // Lifetime of new orders
	AuthorizationLifetime   time.Duration       // Lifetime of new authorizations
	NonceLifetime           time.Duration       // Lifetime of issued nonces
	WorkerInterval          time.Duration       // Tick interval of the background workers
	ValidationTimeout       time.Duration       // Timeout of a single challenge validation
	HTTP01Port              int                 // Port dialled for http-01 validation
	TLSALPN01Port           int                 // Port dialled for tls-alpn-01 validation
	DNSResolver             string              // host:port of the resolver used for dns-01 validation
	InventoryPageSize       int                 // Page size of GET /ca/inventory
	RateLimit               float64             // Requests per second per client on new-nonce/new-account (0 disables)
	MetricsEnabled          bool                // Expose /metrics
	LogFormat               string              // "development" or "production"
}

// APIKey defines an API key and its associated roles.
type APIKey struct {
	Roles []string
}

// CertificatePolicies defines certificate issuance policies.
type CertificatePolicies struct {
	AllowedKeyTypes      []string           // "RSA", "ECDSA"
	MinRSASize           int                // Minimum RSA modulus size in bits
	AllowedECDSACurves   []string           // e.g. "P-256", "P-384"
	AllowedExtKeyUsages  []x509.ExtKeyUsage // Extended key usages placed on issued certificates
	EnforceDomainPolicy  bool               // Check DNS names against the stored allow-list
	OCSPServer           []string           // AIA OCSP URLs placed on issued certificates
	CRLDistributionPoint []string           // CRL distribution points placed on issued certificates
}

const (
	defaultDataDir                = "./data"
	defaultExternalURL            = "https://localhost:8443"
	defaultOrganization           = "PKI Foundry Authority"
	defaultCountry                = "US"
	defaultProvince               = "NC"
	defaultLocality               = "Raleigh"
	defaultRSARootCommonName      = "PKI Foundry RSA Root CA"
	defaultECDSARootCommonName    = "PKI Foundry ECDSA Root CA"
	defaultRSARootKeySize         = 4096
	defaultCACertValidityYears    = 10
	defaultCertValidityDays       = 90
	defaultCRLValidityHours       = 24
	defaultCRLRefreshInterval     = time.Hour
	defaultStorageType            = "file"
	defaultDBHost                 = "localhost"
	defaultDBUser                 = "pkifoundry"
	defaultDBPassword             = "password"
	defaultDBName                 = "pkifoundry"
	defaultDBPort                 = 5432
	defaultDBSSLMode              = "disable"
	defaultAuditType              = "sqlite"
	defaultAuditDSN               = "./data/audit.db"
	defaultKeySource              = "storage"
	defaultHTTPSCertFile          = "./data/https.crt"
	defaultHTTPSKeyFile           = "./data/https.key"
	defaultHTTPSAddress           = ":8443"
	defaultHTTPAddress            = ":8080"
	defaultOrderLifetime          = 7 * 24 * time.Hour
	defaultAuthorizationLifetime  = 7 * 24 * time.Hour
	defaultNonceLifetime          = time.Hour
	defaultWorkerInterval         = time.Second
	defaultValidationTimeout      = 10 * time.Second
	defaultHTTP01Port             = 80
	defaultTLSALPN01Port          = 443
	defaultDNSResolver            = "127.0.0.1:53"
	defaultInventoryPageSize      = 50
	defaultRateLimit              = 20
	defaultMinRSASize             = 2048
	defaultLogFormat              = "development"
	defaultPKCS11RSAKeyLabel      = "pkifoundry-rsa-root"
	defaultPKCS11ECDSAKeyLabel    = "pkifoundry-ecdsa-root"
	defaultEnforceDomainPolicy    = false
	defaultMetricsEnabled         = true
	defaultAllowedKeyTypesList    = "RSA,ECDSA"
	defaultAllowedECDSACurvesList = "P-256,P-384"
)

var defaultAPIKeys = map[string]APIKey{
	"admin-api-key":   {Roles: []string{"admin"}},
	"revoker-api-key": {Roles: []string{"revoker"}},
}

// LoadConfig loads the configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:                 getEnv("PKIFOUNDRY_DATA_DIR", defaultDataDir),
		ExternalURL:             strings.TrimRight(getEnv("PKIFOUNDRY_EXTERNAL_URL", defaultExternalURL), "/"),
		Organization:            getEnv("PKIFOUNDRY_ORGANIZATION", defaultOrganization),
		Country:                 getEnv("PKIFOUNDRY_COUNTRY", defaultCountry),
		Province:                getEnv("PKIFOUNDRY_PROVINCE", defaultProvince),
		Locality:                getEnv("PKIFOUNDRY_LOCALITY", defaultLocality),
		RSARootCommonName:       getEnv("PKIFOUNDRY_RSA_ROOT_COMMON_NAME", defaultRSARootCommonName),
		ECDSARootCommonName:     getEnv("PKIFOUNDRY_ECDSA_ROOT_COMMON_NAME", defaultECDSARootCommonName),
		RSARootKeySize:          getEnvAsInt("PKIFOUNDRY_RSA_ROOT_KEY_SIZE", defaultRSARootKeySize),
		CACertValidityYears:     getEnvAsInt("PKIFOUNDRY_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		DefaultCertValidityDays: getEnvAsInt("PKIFOUNDRY_DEFAULT_CERT_VALIDITY_DAYS", defaultCertValidityDays),
		CRLValidityHours:        getEnvAsInt("PKIFOUNDRY_CRL_VALIDITY_HOURS", defaultCRLValidityHours),
		CRLRefreshInterval:      getEnvAsDuration("PKIFOUNDRY_CRL_REFRESH_INTERVAL", defaultCRLRefreshInterval),
		StorageType:             getEnv("PKIFOUNDRY_STORAGE_TYPE", defaultStorageType),
		DBHost:                  getEnv("PKIFOUNDRY_DB_HOST", defaultDBHost),
		DBUser:                  getEnv("PKIFOUNDRY_DB_USER", defaultDBUser),
		DBPassword:              getEnv("PKIFOUNDRY_DB_PASSWORD", defaultDBPassword),
		DBName:                  getEnv("PKIFOUNDRY_DB_NAME", defaultDBName),
		DBPort:                  getEnvAsInt("PKIFOUNDRY_DB_PORT", defaultDBPort),
		DBSSLMode:               getEnv("PKIFOUNDRY_DB_SSLMODE", defaultDBSSLMode),
		DBCert:                  getEnv("PKIFOUNDRY_DB_CERT", ""),
		DBKey:                   getEnv("PKIFOUNDRY_DB_KEY", ""),
		DBRootCert:              getEnv("PKIFOUNDRY_DB_ROOTCERT", ""),
		AuditType:               getEnv("PKIFOUNDRY_AUDIT_TYPE", defaultAuditType),
		AuditDSN:                getEnv("PKIFOUNDRY_AUDIT_DSN", defaultAuditDSN),
		KeySource:               getEnv("PKIFOUNDRY_KEY_SOURCE", defaultKeySource),
		RSARootCertFile:         getEnv("PKIFOUNDRY_RSA_ROOT_CERT_FILE", ""),
		RSARootKeyFile:          getEnv("PKIFOUNDRY_RSA_ROOT_KEY_FILE", ""),
		ECDSARootCertFile:       getEnv("PKIFOUNDRY_ECDSA_ROOT_CERT_FILE", ""),
		ECDSARootKeyFile:        getEnv("PKIFOUNDRY_ECDSA_ROOT_KEY_FILE", ""),
		PKCS11Module:            getEnv("PKIFOUNDRY_PKCS11_MODULE", ""),
		PKCS11TokenLabel:        getEnv("PKIFOUNDRY_PKCS11_TOKEN_LABEL", ""),
		PKCS11Pin:               getEnv("PKIFOUNDRY_PKCS11_PIN", ""),
		PKCS11RSAKeyLabel:       getEnv("PKIFOUNDRY_PKCS11_RSA_KEY_LABEL", defaultPKCS11RSAKeyLabel),
		PKCS11ECDSAKeyLabel:     getEnv("PKIFOUNDRY_PKCS11_ECDSA_KEY_LABEL", defaultPKCS11ECDSAKeyLabel),
		APIKeys:                 loadAPIKeys(),
		HTTPSCertFile:           getEnv("PKIFOUNDRY_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:            getEnv("PKIFOUNDRY_HTTPS_KEY_FILE", defaultHTTPSKeyFile),
		HTTPSAddress:            getEnv("PKIFOUNDRY_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPAddress:             getEnv("PKIFOUNDRY_HTTP_ADDRESS", defaultHTTPAddress),
		TermsOfServiceURL:       getEnv("PKIFOUNDRY_TOS_URL", ""),
		OrderLifetime:           getEnvAsDuration("PKIFOUNDRY_ORDER_LIFETIME", defaultOrderLifetime),
		AuthorizationLifetime:   getEnvAsDuration("PKIFOUNDRY_AUTHZ_LIFETIME", defaultAuthorizationLifetime),
		NonceLifetime:           getEnvAsDuration("PKIFOUNDRY_NONCE_LIFETIME", defaultNonceLifetime),
		WorkerInterval:          getEnvAsDuration("PKIFOUNDRY_WORKER_INTERVAL", defaultWorkerInterval),
		ValidationTimeout:       getEnvAsDuration("PKIFOUNDRY_VALIDATION_TIMEOUT", defaultValidationTimeout),
		HTTP01Port:              getEnvAsInt("PKIFOUNDRY_HTTP01_PORT", defaultHTTP01Port),
		TLSALPN01Port:           getEnvAsInt("PKIFOUNDRY_TLSALPN01_PORT", defaultTLSALPN01Port),
		DNSResolver:             getEnv("PKIFOUNDRY_DNS_RESOLVER", defaultDNSResolver),
		InventoryPageSize:       getEnvAsInt("PKIFOUNDRY_INVENTORY_PAGE_SIZE", defaultInventoryPageSize),
		RateLimit:               getEnvAsFloat("PKIFOUNDRY_RATE_LIMIT", defaultRateLimit),
		MetricsEnabled:          getEnvAsBool("PKIFOUNDRY_METRICS_ENABLED", defaultMetricsEnabled),
		LogFormat:               getEnv("PKIFOUNDRY_LOG_FORMAT", defaultLogFormat),
	}
	cfg.CertificatePolicies = CertificatePolicies{
		AllowedKeyTypes:      getEnvAsList("PKIFOUNDRY_ALLOWED_KEY_TYPES", defaultAllowedKeyTypesList),
		MinRSASize:           getEnvAsInt("PKIFOUNDRY_MIN_RSA_SIZE", defaultMinRSASize),
		AllowedECDSACurves:   getEnvAsList("PKIFOUNDRY_ALLOWED_ECDSA_CURVES", defaultAllowedECDSACurvesList),
		AllowedExtKeyUsages:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		EnforceDomainPolicy:  getEnvAsBool("PKIFOUNDRY_ENFORCE_DOMAIN_POLICY", defaultEnforceDomainPolicy),
		OCSPServer:           []string{cfg.ExternalURL + "/ocsp"},
		CRLDistributionPoint: []string{cfg.ExternalURL + "/ca/crl"},
	}
	return cfg, nil
}

// loadAPIKeys reads PKIFOUNDRY_API_KEYS in the form "key1=role1|role2,key2=role3".
func loadAPIKeys() map[string]APIKey {
	raw := os.Getenv("PKIFOUNDRY_API_KEYS")
	if raw == "" {
		return defaultAPIKeys
	}
	keys := make(map[string]APIKey)
	for _, entry := range strings.Split(raw, ",") {
		key, roles, found := strings.Cut(strings.TrimSpace(entry), "=")
		if !found || key == "" {
			log.Printf("Warning: Ignoring malformed API key entry in PKIFOUNDRY_API_KEYS")
			continue
		}
		keys[key] = APIKey{Roles: strings.Split(roles, "|")}
	}
	return keys
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Warning: Invalid number for %s (%s), using default: %v", key, valueStr, defaultValue)
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
