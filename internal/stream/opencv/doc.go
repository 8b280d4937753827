// Package opencv decodes streams through OpenCV's FFmpeg capture backend.
// It is compiled only with the opencv build tag.
package opencv
