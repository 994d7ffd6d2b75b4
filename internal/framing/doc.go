/*
Package framing splits a byte stream into newline-terminated messages and writes messages the same way.

Each message is a single line of UTF-8 JSON. Lines have no length limit, since workers routinely return large payloads such as base64 screenshots.
*/
package framing
