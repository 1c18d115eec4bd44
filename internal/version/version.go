// ABOUTME: Product and version identifiers
// ABOUTME: Version is overridden at build time with -ldflags -X
package version

// Product is the program name reported by -version and the feed.
const Product = "dnssd-browse"

// Version is the release version.
var Version = "0.1.0"

// String returns "product version".
func String() string {
	return Product + " " + Version
}
