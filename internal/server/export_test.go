package server

import "time"

// SetWriteWait shortens the write deadline. Call it before any peer connects.
func (s *Server) SetWriteWait(d time.Duration) {
	s.writeWait = d
}
