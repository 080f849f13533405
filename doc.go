// Package nopwd is a client SDK for passwordless authentication: magic-link
// email and WebAuthn passkeys, plus a locally persisted session that is
// silently refreshed by signing server challenges with a device-bound key.
//
// This package holds the error taxonomy shared by every subpackage. The
// client package is the usual entry point.
package nopwd
