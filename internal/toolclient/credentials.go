package toolclient

// Credentials carry the tenant's application credentials and the optional
// delegated user token for a tool call. The worker reads them from its
// environment; a nil Credentials maps every call onto the shared default
// connection.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserToken    string
}

const defaultPoolKey = "default"

// PoolKey resolves the connection pool key for these credentials.
func (c *Credentials) PoolKey() string {
	if c == nil || (c.TenantID == "" && c.ClientID == "") {
		return defaultPoolKey
	}
	return c.TenantID + "/" + c.ClientID
}

// envOverrides returns the environment entries handed to the worker process.
func (c *Credentials) envOverrides() []string {
	if c == nil {
		return nil
	}
	var env []string
	if c.TenantID != "" {
		env = append(env, "AZURE_TENANT_ID="+c.TenantID)
	}
	if c.ClientID != "" {
		env = append(env, "AZURE_CLIENT_ID="+c.ClientID)
	}
	if c.ClientSecret != "" {
		env = append(env, "AZURE_CLIENT_SECRET="+c.ClientSecret)
	}
	if c.UserToken != "" {
		env = append(env, "AZURE_USER_TOKEN="+c.UserToken)
	}
	return env
}
