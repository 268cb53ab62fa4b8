package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// streamSSE forwards an event stream to the client chunk by chunk, flushing
// after each write, while capturing the full body and tallying the length of
// delta content fields. A client disconnect stops forwarding but keeps the
// captured bytes for billing.
func streamSSE(w http.ResponseWriter, upstream io.Reader) (captured []byte, contentChars int64) {
	flusher, _ := w.(http.Flusher)
	var buffer bytes.Buffer
	var lineBuffer []byte
	clientGone := false

	chunk := make([]byte, 4096)
	for {
		n, errRead := upstream.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			buffer.Write(data)

			if !clientGone {
				if _, errWrite := w.Write(data); errWrite != nil {
					log.Debug("router: client disconnected during stream")
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}

			lineBuffer = append(lineBuffer, data...)
			for {
				idx := bytes.IndexByte(lineBuffer, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimSpace(lineBuffer[:idx])
				lineBuffer = lineBuffer[idx+1:]
				contentChars += deltaContentLength(line)
			}
		}
		if errRead != nil {
			if errRead != io.EOF {
				log.WithError(errRead).Debug("router: upstream stream ended with error")
			}
			break
		}
	}
	return buffer.Bytes(), contentChars
}

// deltaContentLength extracts the content length from one SSE data line.
func deltaContentLength(line []byte) int64 {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return 0
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return 0
	}
	var event sseDelta
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return 0
	}
	var total int64
	for _, choice := range event.Choices {
		if choice.Delta.Content != nil {
			total += int64(len(*choice.Delta.Content))
		}
	}
	return total
}
