package models

import "time"

// Connection states shared by accounts, folders and identities
const (
	StateDisconnected = ""
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosing      = "closing"
	StateSyncing      = "syncing"
)

// Authentication modes
const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// Account represents a remote mailbox account
type Account struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	User         string    `db:"user"`          // Login name, usually the email address
	Password     string    `db:"password"`      // Encrypted password or OAuth2 refresh token
	AuthMode     string    `db:"auth_mode"`     // "password" or "oauth2"
	Host         string    `db:"host"`          // Empty means resolve from the user domain
	Port         int       `db:"port"`          // 993 for implicit TLS, otherwise STARTTLS
	PollInterval int       `db:"poll_interval"` // Minutes
	Synchronize  bool      `db:"synchronize"`
	State        string    `db:"state"`
	Error        *string   `db:"error"`
	CreatedAt    time.Time `db:"created_at"`
}

// PollEvery returns the poll interval as a duration
func (a *Account) PollEvery() time.Duration {
	if a.PollInterval <= 0 {
		return 9 * time.Minute
	}
	return time.Duration(a.PollInterval) * time.Minute
}

// Identity is a sending identity bound to an account
type Identity struct {
	ID          int64     `db:"id"`
	AccountID   int64     `db:"account_id"`
	Name        string    `db:"name"`
	Email       string    `db:"email"`
	Host        string    `db:"host"`
	Port        int       `db:"port"`
	Encryption  string    `db:"encryption"` // "ssl" or "starttls"
	User        string    `db:"user"`
	Password    string    `db:"password"` // Encrypted
	AuthMode    string    `db:"auth_mode"`
	ReplyTo     *string   `db:"reply_to"`
	StoreSent   bool      `db:"store_sent"`
	Synchronize bool      `db:"synchronize"`
	State       string    `db:"state"`
	Error       *string   `db:"error"`
	CreatedAt   time.Time `db:"created_at"`
}
