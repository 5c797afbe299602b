package detector

import "regexp"

// patternSpec is one candidate-generating rule: a compiled regex tagged with
// the Span it would produce, and an optional validator that rejects false
// positives (Luhn, SSN range checks, JWT structure).
type patternSpec struct {
	name       string
	category   Category
	typ        string
	confidence float64
	re         *regexp.Regexp
	validate   func(match string) bool
}

// defaultPatterns returns the candidate-generation battery. Grounded on the
// teacher's redaction.DefaultPatterns() and its policy preset content rules,
// extended with the cloud-credential and DB-connection-string coverage named
// explicitly in the requirements.
func defaultPatterns(internalDomainSuffixes []string) []patternSpec {
	specs := []patternSpec{
		{
			name: "aws_access_key", category: CategorySecret, typ: "AWS_ACCESS_KEY", confidence: 0.97,
			re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		},
		{
			name: "aws_secret_key", category: CategorySecret, typ: "AWS_SECRET_KEY", confidence: 0.7,
			re: regexp.MustCompile(`(?i)aws_secret_access_key["'\s:=]+([A-Za-z0-9/+=]{40})`),
		},
		{
			name: "azure_storage_key", category: CategorySecret, typ: "AZURE_STORAGE_KEY", confidence: 0.85,
			re: regexp.MustCompile(`(?i)AccountKey=([A-Za-z0-9+/]{86}==)`),
		},
		{
			name: "azure_sas_token", category: CategorySecret, typ: "AZURE_SAS_TOKEN", confidence: 0.75,
			re: regexp.MustCompile(`(?i)[?&]sig=[A-Za-z0-9%]{20,}[^&\s]*&se=[0-9TZ:\-]+`),
		},
		{
			name: "azure_connection_string", category: CategorySecret, typ: "AZURE_CONNECTION_STRING", confidence: 0.9,
			re: regexp.MustCompile(`DefaultEndpointsProtocol=https?;[^;]*;AccountKey=[A-Za-z0-9+/=]{20,}`),
		},
		{
			name: "gcp_api_key", category: CategorySecret, typ: "GCP_API_KEY", confidence: 0.92,
			re: regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
		},
		{
			name: "gcp_oauth_client_id", category: CategorySecret, typ: "GCP_OAUTH_CLIENT_ID", confidence: 0.85,
			re: regexp.MustCompile(`\b[0-9]+-[0-9a-z]{32}\.apps\.googleusercontent\.com\b`),
		},
		{
			name: "jwt", category: CategorySecret, typ: "JWT", confidence: 0.8,
			re:       regexp.MustCompile(`\b[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\b`),
			validate: jwtValid,
		},
		{
			name: "oauth_bearer", category: CategorySecret, typ: "OAUTH_BEARER", confidence: 0.85,
			re: regexp.MustCompile(`(?i)\bBearer [A-Za-z0-9._\-]{20,}`),
		},
		{
			name: "pem_private_key", category: CategorySecret, typ: "PEM_PRIVATE_KEY", confidence: 0.98,
			re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |ENCRYPTED |)PRIVATE KEY-----`),
		},
		{
			name: "pkcs12", category: CategorySecret, typ: "PKCS12", confidence: 0.7,
			re: regexp.MustCompile(`(?i)\.p12\b|\bPKCS12\b`),
		},
		{
			name: "k8s_service_account_token", category: CategorySecret, typ: "K8S_SA_TOKEN", confidence: 0.85,
			re: regexp.MustCompile(`\beyJhbGciOi[A-Za-z0-9_\-]*\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`),
		},
		{
			name: "db_connection_string", category: CategorySecret, typ: "DB_CONNECTION_STRING", confidence: 0.9,
			re: regexp.MustCompile(`(?i)\b(?:postgresql|mysql|mongodb|redis|amqp)://[^\s"']+`),
		},
		{
			name: "api_key_generic", category: CategorySecret, typ: "API_KEY", confidence: 0.75,
			re: regexp.MustCompile(`(?i)(?:api[_\-]?key|secret|token)["'\s:=]+([A-Za-z0-9_\-]{20,})`),
		},
		{
			name: "sk_prefixed_key", category: CategorySecret, typ: "API_KEY", confidence: 0.9,
			re: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		},
		{
			name: "base64_secret_blob", category: CategorySecret, typ: "BASE64_SECRET", confidence: 0.5,
			re: regexp.MustCompile(`\b[A-Za-z0-9+/]{64,}={0,2}\b`),
		},
		{
			name: "credit_card", category: CategoryPII, typ: "CREDIT_CARD", confidence: 0.9,
			re:       regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
			validate: func(m string) bool { return luhnValid(onlyDigits(m)) },
		},
		{
			name: "ssn", category: CategoryPII, typ: "SSN", confidence: 0.85,
			re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			validate: func(m string) bool { return ssnValid(onlyDigits(m)) },
		},
		{
			name: "email", category: CategoryPII, typ: "EMAIL", confidence: 0.95,
			re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		},
		{
			name: "phone_e164", category: CategoryPII, typ: "PHONE", confidence: 0.75,
			re: regexp.MustCompile(`\+[1-9]\d{7,14}\b`),
		},
		{
			name: "phone_us", category: CategoryPII, typ: "PHONE", confidence: 0.6,
			re: regexp.MustCompile(`\b\(?\d{3}\)?[\-. ]\d{3}[\-. ]\d{4}\b`),
		},
		{
			name: "ipv4_private", category: CategoryOpsSensitive, typ: "PRIVATE_IP", confidence: 0.8,
			re: regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|127\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`),
		},
		{
			name: "ipv4_public", category: CategoryOpsSensitive, typ: "IP_ADDRESS", confidence: 0.5,
			re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		},
	}

	for _, suffix := range internalDomainSuffixes {
		specs = append(specs, patternSpec{
			name:       "internal_domain",
			category:  CategoryOpsSensitive,
			typ:       "INTERNAL_DOMAIN",
			confidence: 0.9,
			re:         regexp.MustCompile(`(?i)\b[a-z0-9.\-]+\.` + regexp.QuoteMeta(suffix) + `\b`),
		})
	}

	return specs
}
