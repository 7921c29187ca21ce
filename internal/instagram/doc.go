// Package instagram is the boundary to the external social-media API.
//
// API is the narrow surface the resilient client is allowed to call. The
// HTTP implementation talks to a private-API gateway (an instagrapi-rest
// style sidecar) and maps its failures onto the error signals in errors.go.
package instagram
