package mall

import "strings"

// LocalStoreID is the implicit store; its item ids carry no prefix.
const LocalStoreID = "local"

// RootPseudoStream is the store-local id of a store's root pseudo-stream.
const RootPseudoStream = "*"

// systemPrefixes are id prefixes that look like store markers but address
// local system streams.
var systemPrefixes = []string{":system:", ":_system:"}

// ParseStoreIDAndStoreItemID splits a full item id into its store id and the
// store-local id. Unprefixed ids and system ids belong to the local store.
// ":<storeId>:" alone denotes the store's root pseudo-stream.
func ParseStoreIDAndStoreItemID(full string) (storeID, localID string) {
	if !strings.HasPrefix(full, ":") {
		return LocalStoreID, full
	}
	for _, p := range systemPrefixes {
		if strings.HasPrefix(full, p) {
			return LocalStoreID, full
		}
	}
	rest := full[1:]
	storeID, localID, ok := strings.Cut(rest, ":")
	if !ok || storeID == "" {
		// A lone ":" or ":x" without closing marker is a local id.
		return LocalStoreID, full
	}
	if localID == "" {
		localID = RootPseudoStream
	}
	return storeID, localID
}

// FullItemID builds the full item id for a store-local id. The root
// pseudo-stream maps to the bare ":<storeId>:" marker.
func FullItemID(storeID, localID string) string {
	if storeID == LocalStoreID {
		return localID
	}
	if localID == RootPseudoStream {
		return ":" + storeID + ":"
	}
	return ":" + storeID + ":" + localID
}
