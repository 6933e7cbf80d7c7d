package proxy

// Meta carries the outcome of a proxy call. Code is a stable machine
// string; Message is for humans.
type Meta struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope is the wire shape of every proxy response. Errors never
// cross the boundary as free-form text.
type Envelope struct {
	Data interface{} `json:"data,omitempty"`
	Meta Meta        `json:"meta"`
}

// Stable error codes returned in Meta.Code.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeSignFailed     = "SIGN_FAILED"
	CodeIPFSFailed     = "IPFS_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeDispatchFailed = "DISPATCH_FAILED"
	CodeNoService      = "NO_ACTIVE_SERVICE"
)
