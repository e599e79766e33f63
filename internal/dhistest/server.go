// Package dhistest is an in-memory stand-in for the remote metadata API. It
// serves the subset of endpoints the importer uses, both in-process through
// Do and over HTTP through ServeHTTP.
package dhistest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/datim/mechsync/internal/dhis"
)

// Request is one logged call.
type Request struct {
	Method string
	Path   string
	Body   json.RawMessage
}

type inverse struct {
	memberType string
	field      string
}

// inverses lists the two-sided collections kept consistent on both ends.
var inverses = map[string]map[string]inverse{
	"categoryOptionGroup": {
		"categoryOptions": {memberType: "categoryOption", field: "categoryOptionGroups"},
		"groupSets":       {memberType: "categoryOptionGroupSet", field: "categoryOptionGroups"},
	},
	"categoryOption": {
		"categoryOptionGroups": {memberType: "categoryOptionGroup", field: "categoryOptions"},
		"categories":           {memberType: "category", field: "categoryOptions"},
	},
	"categoryOptionGroupSet": {
		"categoryOptionGroups": {memberType: "categoryOptionGroup", field: "groupSets"},
	},
	"category": {
		"categoryOptions": {memberType: "categoryOption", field: "categories"},
	},
	"userGroup": {
		"managedGroups":   {memberType: "userGroup", field: "managedByGroups"},
		"managedByGroups": {memberType: "userGroup", field: "managedGroups"},
	},
}

// refFields are reference fields and the type they point at.
var refFields = map[string]string{
	"categoryOptions":      "categoryOption",
	"categoryOptionGroups": "categoryOptionGroup",
	"groupSets":            "categoryOptionGroupSet",
	"managedGroups":        "userGroup",
	"managedByGroups":      "userGroup",
	"organisationUnits":    "organisationUnit",
	"categories":           "category",
	"categoryOptionCombos": "categoryOptionCombo",
}

type Server struct {
	mu       sync.Mutex
	objects  map[string]map[string]map[string]any
	order    map[string][]string
	seq      int
	requests []Request
	failures []int

	// IgnorePatches makes PATCH calls succeed without changing anything,
	// modelling a server whose derived records never converge.
	IgnorePatches bool
}

func New() *Server {
	return &Server{
		objects: map[string]map[string]map[string]any{},
		order:   map[string][]string{},
	}
}

// Do implements dhis.Client without a network hop.
func (s *Server) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return dhis.DecodeResponse(method, path, rec.Code, rec.Body.Bytes())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.RequestURI(), Body: json.RawMessage(data)})
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		w.WriteHeader(status)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/api/")
	if !ok {
		writeStatus(w, http.StatusNotFound, "unknown path")
		return
	}
	switch rest {
	case "maintenance/cache", "resourceTables":
		w.WriteHeader(http.StatusNoContent)
		return
	case "maintenance/categoryOptionComboUpdate":
		s.rebuildCombos()
		w.WriteHeader(http.StatusNoContent)
		return
	case "sharing":
		s.serveSharing(w, r, data)
		return
	}

	parts := strings.Split(rest, "/")
	typ := singular(strings.TrimSuffix(parts[0], ".json"))
	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			s.serveList(w, r, typ)
		case http.MethodPost:
			s.serveCreate(w, typ, data)
		default:
			writeStatus(w, http.StatusMethodNotAllowed, r.Method)
		}
	case 2:
		s.serveObject(w, r, typ, strings.TrimSuffix(parts[1], ".json"), data)
	case 4:
		s.serveCollection(w, r, typ, parts[1], parts[2], parts[3])
	default:
		writeStatus(w, http.StatusNotFound, "unknown path")
	}
}

// Seed stores an object directly, returning its id.
func (s *Server) Seed(typ string, obj map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(typ, cloneMap(obj))
}

// SeedOrgUnit adds an organisation unit below parentID, filling level and path.
func (s *Server) SeedOrgUnit(name, parentID string, extra map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := cloneMap(extra)
	if obj == nil {
		obj = map[string]any{}
	}
	obj["name"] = name
	obj["shortName"] = name
	id := s.nextID()
	obj["id"] = id
	level := 1
	path := "/" + id
	if parentID != "" {
		parent := s.objects["organisationUnit"][parentID]
		if parent == nil {
			panic("dhistest: unknown parent " + parentID)
		}
		level = intValue(parent["level"]) + 1
		path = fmt.Sprint(parent["path"]) + "/" + id
		obj["parent"] = map[string]any{"id": parentID}
	}
	obj["level"] = level
	obj["path"] = path
	return s.insert("organisationUnit", obj)
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Writes returns the metadata mutations seen so far. Maintenance triggers
// are not counted.
func (s *Server) Writes() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if req.Method == http.MethodGet || isMaintenance(req.Path) {
			continue
		}
		out = append(out, req)
	}
	return out
}

// Maintenance counts calls to a maintenance path such as
// "/api/maintenance/categoryOptionComboUpdate".
func (s *Server) Maintenance(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Method == http.MethodPost && strings.HasPrefix(req.Path, path) {
			n++
		}
	}
	return n
}

func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Get returns the enriched object, or nil.
func (s *Server) Get(typ, id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[typ][id]
	if obj == nil {
		return nil
	}
	return s.render(obj, nil)
}

// Find returns the first object of typ whose field equals value.
func (s *Server) Find(typ, field, value string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[typ] {
		obj := s.objects[typ][id]
		if obj != nil && stringValue(obj[field]) == value {
			return s.render(obj, nil)
		}
	}
	return nil
}

// All returns every object of typ in creation order.
func (s *Server) All(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, id := range s.order[typ] {
		if obj := s.objects[typ][id]; obj != nil {
			out = append(out, s.render(obj, nil))
		}
	}
	return out
}

// ACL returns the group id to access map of an object's sharing.
func (s *Server) ACL(typ, id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	obj := s.objects[typ][id]
	if obj == nil {
		return out
	}
	for _, raw := range listValue(obj["userGroupAccesses"]) {
		entry, _ := raw.(map[string]any)
		out[stringValue(entry["id"])] = stringValue(entry["access"])
	}
	return out
}

// Members returns the ids in a reference list field.
func (s *Server) Members(typ, id, field string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[typ][id]
	if obj == nil {
		return nil
	}
	return refIDs(obj[field])
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request, typ string) {
	filters := r.URL.Query()["filter"]
	items := []any{}
	for _, id := range s.order[typ] {
		obj := s.objects[typ][id]
		if obj == nil || !matchesAll(obj, filters) {
			continue
		}
		items = append(items, s.render(obj, expansions(r.URL.Query().Get("fields"))))
	}
	writeJSON(w, http.StatusOK, map[string]any{pluralize(typ): items})
}

func (s *Server) serveCreate(w http.ResponseWriter, typ string, data []byte) {
	obj := map[string]any{}
	if err := json.Unmarshal(data, &obj); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if id := stringValue(obj["id"]); id != "" && s.objects[typ][id] != nil {
		writeStatus(w, http.StatusConflict, "id already exists: "+id)
		return
	}
	if name := stringValue(obj["name"]); name != "" && s.nameTaken(typ, name, "") {
		writeStatus(w, http.StatusConflict, "name already exists: "+name)
		return
	}
	id := s.insert(typ, obj)
	writeJSON(w, http.StatusCreated, map[string]any{
		"httpStatus": "Created",
		"response":   map[string]any{"uid": id},
	})
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, typ, id string, data []byte) {
	obj := s.objects[typ][id]
	if obj == nil {
		writeStatus(w, http.StatusNotFound, typ+" "+id+" not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.render(obj, expansions(r.URL.Query().Get("fields"))))
	case http.MethodPut, http.MethodPatch:
		patch := map[string]any{}
		if err := json.Unmarshal(data, &patch); err != nil {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		if r.Method == http.MethodPatch && s.IgnorePatches {
			writeJSON(w, http.StatusOK, map[string]any{"httpStatus": "OK"})
			return
		}
		if name := stringValue(patch["name"]); name != "" && s.nameTaken(typ, name, id) {
			writeStatus(w, http.StatusConflict, "name already exists: "+name)
			return
		}
		s.merge(typ, id, patch)
		writeJSON(w, http.StatusOK, map[string]any{"httpStatus": "OK"})
	case http.MethodDelete:
		s.remove(typ, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeStatus(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (s *Server) serveCollection(w http.ResponseWriter, r *http.Request, typ, id, field, memberID string) {
	owner := s.objects[typ][id]
	if owner == nil {
		writeStatus(w, http.StatusNotFound, typ+" "+id+" not found")
		return
	}
	memberType, ok := refFields[field]
	if !ok {
		writeStatus(w, http.StatusConflict, "unknown collection "+field)
		return
	}
	if s.objects[memberType][memberID] == nil {
		writeStatus(w, http.StatusNotFound, memberType+" "+memberID+" not found")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.link(typ, id, field, memberID)
	case http.MethodDelete:
		s.unlink(typ, id, field, memberID)
	default:
		writeStatus(w, http.StatusMethodNotAllowed, r.Method)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveSharing(w http.ResponseWriter, r *http.Request, data []byte) {
	typ := r.URL.Query().Get("type")
	id := r.URL.Query().Get("id")
	obj := s.objects[typ][id]
	if obj == nil {
		writeStatus(w, http.StatusNotFound, typ+" "+id+" not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rendered := s.render(obj, nil)
		writeJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{"allowPublicAccess": true, "allowExternalAccess": false},
			"object": map[string]any{
				"id":                id,
				"name":              obj["name"],
				"publicAccess":      obj["publicAccess"],
				"externalAccess":    false,
				"userGroupAccesses": rendered["userGroupAccesses"],
			},
		})
	case http.MethodPost:
		var payload struct {
			Object struct {
				PublicAccess      string `json:"publicAccess"`
				UserGroupAccesses []struct {
					ID     string `json:"id"`
					Access string `json:"access"`
				} `json:"userGroupAccesses"`
			} `json:"object"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		if payload.Object.PublicAccess != "" {
			obj["publicAccess"] = payload.Object.PublicAccess
		}
		acl := []any{}
		for _, entry := range payload.Object.UserGroupAccesses {
			if s.objects["userGroup"][entry.ID] == nil {
				writeStatus(w, http.StatusConflict, "unknown user group "+entry.ID)
				return
			}
			acl = append(acl, map[string]any{"id": entry.ID, "access": entry.Access})
		}
		obj["userGroupAccesses"] = acl
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, dhis.AccessControlAck)
	default:
		writeStatus(w, http.StatusMethodNotAllowed, r.Method)
	}
}

// rebuildCombos gives every category option without a combo a new one named
// after the option. Existing combos are left stale, as on a real server.
func (s *Server) rebuildCombos() {
	for _, id := range s.order["categoryOption"] {
		option := s.objects["categoryOption"][id]
		if option == nil || len(refIDs(option["categoryOptionCombos"])) > 0 {
			continue
		}
		comboID := s.insert("categoryOptionCombo", map[string]any{
			"name": option["name"],
			"code": "",
		})
		option["categoryOptionCombos"] = []any{map[string]any{"id": comboID}}
	}
}

func (s *Server) insert(typ string, obj map[string]any) string {
	id := stringValue(obj["id"])
	if id == "" {
		id = s.nextID()
		obj["id"] = id
	}
	if _, ok := obj["userGroupAccesses"]; !ok {
		obj["userGroupAccesses"] = []any{}
	}
	if _, ok := obj["publicAccess"]; !ok {
		obj["publicAccess"] = "rw------"
	}
	if s.objects[typ] == nil {
		s.objects[typ] = map[string]map[string]any{}
	}
	links := map[string][]string{}
	// Two-sided collections always exist, empty when the payload omits them.
	for field := range inverses[typ] {
		if _, ok := obj[field]; ok {
			links[field] = refIDs(obj[field])
		}
		obj[field] = []any{}
	}
	for field, value := range obj {
		if _, ok := refFields[field]; ok {
			obj[field] = normalizeRefs(value)
		}
	}
	if parent, ok := obj["parent"].(map[string]any); ok {
		obj["parent"] = map[string]any{"id": parent["id"]}
	}
	s.objects[typ][id] = obj
	s.order[typ] = append(s.order[typ], id)
	for field, ids := range links {
		for _, member := range ids {
			s.link(typ, id, field, member)
		}
	}
	return id
}

func (s *Server) merge(typ, id string, patch map[string]any) {
	obj := s.objects[typ][id]
	for field, value := range patch {
		switch {
		case field == "id" || field == "href":
			continue
		case inverses[typ][field] != (inverse{}):
			want := map[string]bool{}
			for _, member := range refIDs(value) {
				want[member] = true
				s.link(typ, id, field, member)
			}
			for _, member := range refIDs(obj[field]) {
				if !want[member] {
					s.unlink(typ, id, field, member)
				}
			}
		case refFields[field] != "":
			obj[field] = normalizeRefs(value)
		case field == "userGroupAccesses":
			acl := []any{}
			for _, raw := range listValue(value) {
				entry, _ := raw.(map[string]any)
				acl = append(acl, map[string]any{"id": entry["id"], "access": entry["access"]})
			}
			obj[field] = acl
		default:
			obj[field] = value
		}
	}
}

func (s *Server) remove(typ, id string) {
	obj := s.objects[typ][id]
	for field := range inverses[typ] {
		for _, member := range refIDs(obj[field]) {
			s.unlink(typ, id, field, member)
		}
	}
	delete(s.objects[typ], id)
	if typ != "userGroup" {
		return
	}
	for _, byID := range s.objects {
		for _, other := range byID {
			kept := []any{}
			for _, raw := range listValue(other["userGroupAccesses"]) {
				entry, _ := raw.(map[string]any)
				if stringValue(entry["id"]) != id {
					kept = append(kept, entry)
				}
			}
			other["userGroupAccesses"] = kept
		}
	}
}

func (s *Server) link(typ, id, field, memberID string) {
	owner := s.objects[typ][id]
	owner[field] = appendRef(owner[field], memberID)
	if inv, ok := inverses[typ][field]; ok {
		if member := s.objects[inv.memberType][memberID]; member != nil {
			member[inv.field] = appendRef(member[inv.field], id)
		}
	}
}

func (s *Server) unlink(typ, id, field, memberID string) {
	if owner := s.objects[typ][id]; owner != nil {
		owner[field] = dropRef(owner[field], memberID)
	}
	if inv, ok := inverses[typ][field]; ok {
		if member := s.objects[inv.memberType][memberID]; member != nil {
			member[inv.field] = dropRef(member[inv.field], id)
		}
	}
}

func (s *Server) nameTaken(typ, name, exceptID string) bool {
	for id, obj := range s.objects[typ] {
		if id != exceptID && stringValue(obj["name"]) == name {
			return true
		}
	}
	return false
}

func (s *Server) nextID() string {
	s.seq++
	return fmt.Sprintf("e%010d", s.seq)
}

// render deep-copies obj, naming every reference and expanding the listed
// reference fields into full objects.
func (s *Server) render(obj map[string]any, expand map[string]bool) map[string]any {
	out := cloneMap(obj)
	for field, value := range out {
		memberType, isRef := refFields[field]
		switch {
		case isRef && expand[field]:
			full := []any{}
			for _, member := range refIDs(value) {
				if target := s.objects[memberType][member]; target != nil {
					full = append(full, s.render(target, nil))
				}
			}
			out[field] = full
		case isRef:
			named := []any{}
			for _, member := range refIDs(value) {
				named = append(named, s.refTo(memberType, member))
			}
			out[field] = named
		case field == "userGroupAccesses":
			acl := []any{}
			for _, raw := range listValue(value) {
				entry, _ := raw.(map[string]any)
				groupID := stringValue(entry["id"])
				ref := s.refTo("userGroup", groupID)
				acl = append(acl, map[string]any{
					"id":           groupID,
					"userGroupUid": groupID,
					"access":       entry["access"],
					"displayName":  ref["displayName"],
				})
			}
			out[field] = acl
		case field == "parent":
			if parent, ok := value.(map[string]any); ok {
				out[field] = s.refTo("organisationUnit", stringValue(parent["id"]))
			}
		}
	}
	return out
}

func (s *Server) refTo(typ, id string) map[string]any {
	ref := map[string]any{"id": id}
	if target := s.objects[typ][id]; target != nil {
		ref["name"] = target["name"]
		ref["displayName"] = target["name"]
		if code := stringValue(target["code"]); code != "" {
			ref["code"] = code
		}
	}
	return ref
}

func matchesAll(obj map[string]any, filters []string) bool {
	for _, filter := range filters {
		parts := strings.SplitN(filter, ":", 3)
		if len(parts) != 3 {
			return false
		}
		field, op, want := parts[0], parts[1], parts[2]
		got := stringValue(obj[field])
		switch op {
		case "eq":
			if got != want {
				return false
			}
		case "like", "ilike":
			if !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
				return false
			}
		case "le":
			g, err1 := strconv.Atoi(got)
			w, err2 := strconv.Atoi(want)
			if err1 != nil || err2 != nil || g > w {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// expansions returns the top-level field names written as name[...].
func expansions(fields string) map[string]bool {
	out := map[string]bool{}
	depth := 0
	start := 0
	for i, r := range fields + "," {
		switch r {
		case '[':
			if depth == 0 {
				out[strings.TrimSpace(fields[start:i])] = true
			}
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				start = i + 1
			}
		}
	}
	return out
}

func isMaintenance(path string) bool {
	return strings.HasPrefix(path, "/api/maintenance/") || strings.HasPrefix(path, "/api/resourceTables")
}

func singular(plural string) string {
	if strings.HasSuffix(plural, "ies") {
		return strings.TrimSuffix(plural, "ies") + "y"
	}
	return strings.TrimSuffix(plural, "s")
}

func pluralize(typ string) string {
	if strings.HasSuffix(typ, "y") {
		return strings.TrimSuffix(typ, "y") + "ies"
	}
	return typ + "s"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"httpStatusCode": status, "message": message})
}

func normalizeRefs(value any) []any {
	out := []any{}
	for _, id := range refIDs(value) {
		out = append(out, map[string]any{"id": id})
	}
	return out
}

func refIDs(value any) []string {
	var ids []string
	seen := map[string]bool{}
	for _, raw := range listValue(value) {
		ref, _ := raw.(map[string]any)
		id := stringValue(ref["id"])
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func appendRef(value any, id string) []any {
	list := normalizeRefs(value)
	for _, raw := range list {
		if raw.(map[string]any)["id"] == id {
			return list
		}
	}
	return append(list, map[string]any{"id": id})
}

func dropRef(value any, id string) []any {
	out := []any{}
	for _, raw := range normalizeRefs(value) {
		if raw.(map[string]any)["id"] != id {
			out = append(out, raw)
		}
	}
	return out
}

func listValue(value any) []any {
	list, _ := value.([]any)
	return list
}

func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

func intValue(value any) int {
	n, _ := strconv.Atoi(stringValue(value))
	return n
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// Sorted ids of a type, handy for assertions.
func (s *Server) IDs(typ string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.objects[typ]))
	for id := range s.objects[typ] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
