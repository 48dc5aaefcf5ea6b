package session

// Store record encoding and decoding. Records travel as JSON-shaped maps;
// numbers may come back as float64 (wire) or native ints (memory store), so
// decoding accepts both. Malformed records are skipped by callers, never
// fatal.

func roomPath(room string) string { return "rooms/" + room }
func playerPath(room, userID string) string {
	return "rooms/" + room + "/players/" + userID
}

// RPCPath is the room's message log subtree, shared with the rpc transport.
func RPCPath(room string) string { return "rooms/" + room + "/rpc" }

func playerRecord(p *Player) map[string]any {
	rec := map[string]any{
		"userId":         p.UserID,
		"nickName":       p.NickName,
		"isMasterClient": p.IsMasterClient,
	}
	if len(p.Properties) > 0 {
		rec["customProperties"] = p.Properties
	}
	return rec
}

func decodePlayer(userID string, v any) (*Player, bool) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	id, ok := asString(rec["userId"])
	if !ok || id == "" {
		id = userID
	}
	p := &Player{UserID: id}
	p.NickName, _ = asString(rec["nickName"])
	p.IsMasterClient, _ = asBool(rec["isMasterClient"])
	if props, ok := rec["customProperties"].(map[string]any); ok {
		p.Properties = props
	}
	return p, true
}

func roomRecord(r *Room) map[string]any {
	rec := map[string]any{
		"name":           r.Name,
		"masterClientId": r.MasterClientID,
		"maxPlayers":     r.MaxPlayers,
		"playerCount":    r.PlayerCount,
		"isOpen":         r.IsOpen,
		"isVisible":      r.IsVisible,
	}
	if len(r.Properties) > 0 {
		rec["customProperties"] = r.Properties
	}
	return rec
}

func decodeRoom(name string, v any) (*Room, bool) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	r := &Room{Name: name}
	r.MasterClientID, _ = asString(rec["masterClientId"])
	r.MaxPlayers, _ = asInt(rec["maxPlayers"])
	r.PlayerCount, _ = asInt(rec["playerCount"])
	r.IsOpen, _ = asBool(rec["isOpen"])
	r.IsVisible, _ = asBool(rec["isVisible"])
	if props, ok := rec["customProperties"].(map[string]any); ok {
		r.Properties = props
	}
	return r, true
}

// decodeRoster extracts the player sub-collection from a room snapshot.
func decodeRoster(v any) map[string]*Player {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	children, ok := rec["players"].(map[string]any)
	if !ok {
		return nil
	}
	roster := make(map[string]*Player, len(children))
	for id, pv := range children {
		if p, ok := decodePlayer(id, pv); ok {
			roster[id] = p
		}
	}
	return roster
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
