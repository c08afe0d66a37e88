// Package domain holds the core types and error taxonomy shared by the
// relay components. It has no dependencies on the transport or protocol
// packages.
package domain
