package esi

import (
	"sync"
	"time"
)

// ownershipTTL bounds how long a cached blueprint roster is trusted before
// the next OwnedBlueprintME call triggers a refetch (spec.md §4.1: owned-ME
// lookups must reflect ME research completed since the last scan, not be
// permanently stale).
const ownershipTTL = 10 * time.Minute

// Ownership adapts Client.GetCharacterBlueprints to costengine.OwnershipReader,
// caching each character's best (highest) ME per blueprint type so the cost
// engine can resolve "this character already owns a researched copy" without
// an ESI round trip on every Compute call.
type Ownership struct {
	client *Client

	mu    sync.RWMutex
	byCharacter map[int64]ownershipEntry
	tokens      map[int64]string // characterID -> current access token, set by the caller
}

type ownershipEntry struct {
	fetchedAt time.Time
	bestME    map[int32]int32 // bpTypeID -> highest ME owned
}

func NewOwnership(client *Client) *Ownership {
	return &Ownership{
		client:      client,
		byCharacter: make(map[int64]ownershipEntry),
		tokens:      make(map[int64]string),
	}
}

// SetToken records the access token to use for a character's next blueprint
// refresh. Called by the auth layer whenever a session's token is refreshed.
func (o *Ownership) SetToken(characterID int64, accessToken string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens[characterID] = accessToken
}

// OwnedBlueprintME implements costengine.OwnershipReader.
func (o *Ownership) OwnedBlueprintME(characterID int64, bpTypeID int32) (int32, bool) {
	entry, ok := o.entryFor(characterID)
	if !ok {
		return 0, false
	}
	me, ok := entry.bestME[bpTypeID]
	return me, ok
}

func (o *Ownership) entryFor(characterID int64) (ownershipEntry, bool) {
	o.mu.RLock()
	entry, ok := o.byCharacter[characterID]
	token := o.tokens[characterID]
	o.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < ownershipTTL {
		return entry, true
	}
	if token == "" {
		return entry, ok
	}

	blueprints, err := o.client.GetCharacterBlueprints(characterID, token)
	if err != nil {
		return entry, ok
	}

	bestME := make(map[int32]int32, len(blueprints))
	for _, bp := range blueprints {
		if bp.Runs != -1 {
			// Runs == -1 marks an Original (BPO); copies (Runs >= 0) have a
			// fixed ME that doesn't represent the character's best research.
			continue
		}
		if cur, seen := bestME[bp.TypeID]; !seen || bp.MaterialEfficiency > cur {
			bestME[bp.TypeID] = bp.MaterialEfficiency
		}
	}

	fresh := ownershipEntry{fetchedAt: time.Now(), bestME: bestME}
	o.mu.Lock()
	o.byCharacter[characterID] = fresh
	o.mu.Unlock()
	return fresh, true
}
