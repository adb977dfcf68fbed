package soplog

// Version is the semantic version of the soplog library.
// It can be overridden at build time using:
//
//	go build -ldflags "-X github.com/CVDpl/go-soplog/pkg/soplog.Version=0.2.0"
var Version = "0.1.0"
