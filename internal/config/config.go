package config

// Config is intentionally small and JSON-friendly.
// If Users is empty, mediawall runs without auth.
type Config struct {
	// Root is the media directory served by mediawall.
	Root string `json:"root"`

	// StateDir stores upload sessions, the blob store, and cached thumbnails.
	// Default: <root>/.mediawall
	StateDir string `json:"stateDir"`

	// MaxUploadBytes caps a single upload. 0 means the default (4 GiB).
	MaxUploadBytes int64 `json:"maxUploadBytes,omitempty"`

	// UploadRatePerSec throttles upload ingest in bytes per second.
	// 0 disables throttling.
	UploadRatePerSec int64 `json:"uploadRatePerSec,omitempty"`

	// Watermark configures the mark composited onto ?wm=1 image downloads.
	// The embedded UI reads the same settings for its canvas overlay.
	Watermark Watermark `json:"watermark,omitempty"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// - requests without Authorization are treated as anonymous
	// - requests with Authorization are validated; invalid creds get 401
	// Pair this with ACLs, e.g. view:["*"] and upload:["alice"].
	AuthOptional bool `json:"authOptional,omitempty"`

	// Users is a map of username -> bcrypt hash.
	// Example:
	// "alice": {"bcrypt":"$2a$10$..."}
	Users map[string]User `json:"users,omitempty"`

	// Tokens maps bearer tokens to usernames.
	// Request header: Authorization: Bearer <token>
	// The token authenticates as the mapped username (ACLs still apply).
	Tokens map[string]string `json:"tokens,omitempty"`

	// ACLs is a simple first-match rule list by path prefix.
	// If empty:
	// - no-auth mode: allow view+upload
	// - auth mode: allow view to all authenticated users, deny upload
	ACLs []ACL `json:"acls,omitempty"`
}

// Watermark describes the tiled mark drawn over served images.
type Watermark struct {
	// Text is the string tiled across the image. Empty disables text tiling.
	Text string `json:"text,omitempty"`
	// Opacity in [0,1]. Values outside the range are clamped. Default 0.18.
	Opacity float64 `json:"opacity,omitempty"`
	// AngleDeg rotates the tiling, counter-clockwise. Default -30.
	AngleDeg float64 `json:"angleDeg,omitempty"`
	// GapPx is the spacing between repeated marks. Default 160.
	GapPx int `json:"gapPx,omitempty"`
	// Logo is a path (relative to the media root) to a PNG stamped alongside
	// the text. Optional.
	Logo string `json:"logo,omitempty"`
}

type User struct {
	Bcrypt string `json:"bcrypt"`
}

type ACL struct {
	// Path is a prefix match, always interpreted as a clean path like "/albums".
	Path string `json:"path"`
	// View allows listing, streaming, and thumbnails.
	View []string `json:"view,omitempty"` // usernames or "*"
	// Upload allows upload/mkdir.
	Upload []string `json:"upload,omitempty"` // usernames
	// Curate allows rename and delete. Zip downloads only need view.
	Curate []string `json:"curate,omitempty"` // usernames
}

// DefaultMaxUploadBytes is applied when MaxUploadBytes is unset.
const DefaultMaxUploadBytes = 4 << 30

func (c Config) UploadLimit() int64 {
	if c.MaxUploadBytes > 0 {
		return c.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}
