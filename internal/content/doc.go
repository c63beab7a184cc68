// Package content classifies shared documents and fetches their bytes.
//
// The core components are:
//   - [Classify]: picks the rendering category from the content URL suffix, then the media type
//   - [HTTPFetcher]: fetches http(s) content URLs, including presigned object URLs
//   - [S3Fetcher]: fetches s3://bucket/key content URLs with the AWS SDK
//   - [Router]: dispatches a content URL to the fetcher for its scheme
//
// Every fetch failure is reported as an access error of kind
// ContentUnavailable.
package content
