// Package language holds the closed set of language runtime adapters. Each
// adapter wraps user code in a harness with a uniform call convention
// (JSON payload on stdin, one result line on stdout) and decodes the raw
// output of a run into a result value or a classified execution error.
package language
