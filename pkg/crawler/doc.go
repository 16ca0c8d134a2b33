// Package crawler is the HTTP client for the rate source crawler service.
//
// The crawler publishes authoritative rates as JSON:
//
//	GET /rates/{STATE}?county=&city=&zip=   one jurisdiction
//	GET /states/{STATE}/rates               every jurisdiction of a state
//
// Requests are rate limited and time bounded. Failures are marked
// core.ErrUpstreamFetchFailed; client errors other than 429 are wrapped with
// core.NoRetry.
package crawler
