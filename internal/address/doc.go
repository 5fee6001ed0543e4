// Package address resolves caller-supplied workflow references into
// canonical tenant-scoped workflow identities.
//
// A reference is either fully qualified ("acme:Support:Router:abc") or a
// bare workflow type ("Support:Router"). Fully qualified references must
// carry the caller's tenant as their first segment; bare types are
// prefixed with it.
package address
