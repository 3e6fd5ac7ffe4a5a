package signaling

import (
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/carelink/backend/pkg/response"
)

// ICEConfigHandler serves the STUN/TURN server list clients need to act on
// relayed offers and answers. The relay itself never touches media; it only
// hands out the configuration.
func ICEConfigHandler(iceURLs []string) gin.HandlerFunc {
	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, u := range iceURLs {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return func(c *gin.Context) {
		response.OK(c, gin.H{"iceServers": servers})
	}
}
