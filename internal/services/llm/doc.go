// Package llm is the OpenAI-compatible chat completions transport behind the
// openrouter and ollama model providers.
//
// A Client makes exactly one request per call; retry, backoff and fallback
// live in modelclient. Every error carries a services taxonomy marker:
// 401/403 map to ErrModelAuth, 400/404/422 to ErrMalformedRequest, 408/504
// and timeouts to ErrModelTimeout, 429 to ErrRateLimited and everything else
// to ErrTransient. StatusError exposes the HTTP status and the Retry-After
// hint, which the SDK-backed providers reuse for their own errors.
//
// Models queries the sibling /models route so preflight can tell whether an
// Ollama model has been pulled. DecodeJSON and StripCodeFence clean up model
// output before it is parsed.
package llm
