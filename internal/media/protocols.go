// Package media describes the media files tests play and the formats they
// are transcoded to.
package media

// Protocols media can be served with.
const (
	ProtocolHTTP          = "http"
	ProtocolFile          = "file"
	ProtocolPushFile      = "pushfile"
	ProtocolHLS           = "hls"
	ProtocolDASH          = "dash"
	ProtocolRTSP          = "rtsp"
	ProtocolImageSequence = "imagesequence"
)

// ProtocolNeedsClockSync reports whether media served over protocol only
// plays in sync with the clock.
func ProtocolNeedsClockSync(protocol string) bool {
	return protocol == ProtocolHLS || protocol == ProtocolDASH
}

// ProtocolNeedsHTTPServer reports whether the media HTTP server must run.
func ProtocolNeedsHTTPServer(protocol string) bool {
	switch protocol {
	case ProtocolHTTP, ProtocolHLS, ProtocolDASH:
		return true
	}
	return false
}
