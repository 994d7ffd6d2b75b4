/*
Package browseruse drives a browser automation agent running as a Python worker process.

It is a thin facade: each method maps to one request type of the worker protocol implemented by package rpc, and parameters and results are passed through without interpretation.
*/
package browseruse
