package swshare

// BuildVersion is the version reported by the version command and the
// shore /version endpoint. Overridden at link time with
// -ldflags "-X github.com/seawire-net/seawire/share.BuildVersion=...".
var BuildVersion = "0.0.0-src"
