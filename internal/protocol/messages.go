package protocol

import "encoding/json"

// Platform identifies a client operating system, as reported in
// AuthRequest.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
)

// AuthRequest is the AUTH_REQUEST control payload.
type AuthRequest struct {
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	ClientVersion string   `json:"clientVersion"`
	Platform      Platform `json:"platform"`
}

// AuthResponse is the AUTH_RESPONSE control payload.
type AuthResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// ConfigPush is the CONFIG_PUSH control payload.
type ConfigPush struct {
	AssignedIP        string   `json:"assignedIP"`
	SubnetMask        string   `json:"subnetMask"`
	Gateway           string   `json:"gateway"`
	DNS               []string `json:"dns"`
	MTU               int      `json:"mtu"`
	KeepaliveInterval int      `json:"keepaliveInterval"`
}

// ErrorCode enumerates the codes carried in an ERROR frame.
type ErrorCode int

const (
	ErrorCodeInvalidCredentials ErrorCode = 1001
	ErrorCodeAccountDisabled    ErrorCode = 1002
	ErrorCodeMaxConnections     ErrorCode = 1003
	ErrorCodeIPPoolExhausted    ErrorCode = 1004
	ErrorCodeInternal           ErrorCode = 1005
	ErrorCodeSessionTimeout     ErrorCode = 1006
)

// ErrorPayload is the ERROR control payload. ERROR is server→client
// only in this design; the server never parses a client-sent ERROR
// frame's code field.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Human-readable error messages surfaced to clients, per §7.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgAccountDisabled    = "Account is disabled"
	MsgMaxConnections     = "Maximum connections reached"
	MsgNoAvailableIP      = "No available IP addresses"
	MsgInternalError      = "Internal server error"
)

func MarshalAuthResponse(v AuthResponse) ([]byte, error) { return json.Marshal(v) }
func MarshalConfigPush(v ConfigPush) ([]byte, error)     { return json.Marshal(v) }
func MarshalError(v ErrorPayload) ([]byte, error)        { return json.Marshal(v) }

func UnmarshalAuthRequest(b []byte) (AuthRequest, error) {
	var v AuthRequest
	err := json.Unmarshal(b, &v)
	return v, err
}
