package stream

import (
	"errors"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr error
	}{
		{"rtsp://10.0.0.5:554/stream1", nil},
		{"rtsps://cam.local/live", nil},
		{"file:///tmp/sample.mp4", nil},
		{"", ErrNoURL},
		{"   ", ErrNoURL},
		{"ftp://host/video", ErrUnsupportedURL},
		{"not a url", ErrUnsupportedURL},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEndReason_String(t *testing.T) {
	if Stopped.String() != "stopped" || EndOfFile.String() != "eof" || Error.String() != "error" {
		t.Error("Unexpected EndReason strings")
	}
}
