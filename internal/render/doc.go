// Package render turns agent markdown into plain text for terminal output.
//
// Structure that reads well as text is kept: list markers, numbered items,
// blockquote prefixes, inline code backticks. Emphasis is dropped, code
// blocks are indented four spaces, and links keep their target in
// parentheses.
package render
