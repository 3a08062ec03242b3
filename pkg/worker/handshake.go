package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// Handshake is the single JSON line a worker prints on stdout once it is
// registered, so its supervisor learns where it listens.
type Handshake struct {
	Address string `json:"address"`
	PID     int    `json:"pid"`
	ID      string `json:"id,omitempty"`
}

// WriteHandshake prints h as one line
func WriteHandshake(w io.Writer, h Handshake) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// ReadHandshake scans r for the handshake line. Other output before it is
// skipped. EOF before a handshake is a types.ErrProtocol error.
func ReadHandshake(r *bufio.Reader) (Handshake, error) {
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") {
			var h Handshake
			if jerr := json.Unmarshal([]byte(line), &h); jerr == nil && h.Address != "" {
				return h, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return Handshake{}, fmt.Errorf("%w: worker exited before reporting its address", types.ErrProtocol)
			}
			return Handshake{}, err
		}
	}
}
