package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"credvault.org/internal/auth"
	"credvault.org/internal/keyring"
	"credvault.org/internal/store/memory"
	"credvault.org/internal/stream"
	"credvault.org/internal/vault"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	vault   *vault.Vault
	auth    *auth.Service
	stream  *stream.Stream
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	v := vault.New(store)
	authSvc := auth.NewService(store)
	events := stream.New()
	api := New(v, authSvc, events, ReadyProbe{}, "test")
	return &testAPI{
		t:       t,
		handler: api.Handler(),
		vault:   v,
		auth:    authSvc,
		stream:  events,
	}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:4000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) decode(rr *httptest.ResponseRecorder, dst any) {
	a.t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		a.t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// addUser registers a completed account and returns its private key.
func (a *testAPI) addUser(username string, admin bool) (*vault.User, *keyring.PrivateKey) {
	a.t.Helper()
	u, err := a.vault.AddUser(context.Background(), username, admin)
	if err != nil {
		a.t.Fatalf("AddUser(%s): %v", username, err)
	}
	pub, priv, err := keyring.GenerateKeypair()
	if err != nil {
		a.t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := a.auth.Setup(context.Background(), username, pub.Serialize()); err != nil {
		a.t.Fatalf("Setup(%s): %v", username, err)
	}
	return u, priv
}

// login runs the challenge-response handshake over HTTP and returns the
// session token.
func (a *testAPI) login(username string, priv *keyring.PrivateKey) string {
	a.t.Helper()
	rr := a.do(http.MethodPost, "/v1/login", "", map[string]string{"username": username})
	if rr.Code != http.StatusOK {
		a.t.Fatalf("login %s: %d %s", username, rr.Code, rr.Body.String())
	}
	var ch struct {
		CryptChallenge string `json:"crypt_challenge"`
	}
	a.decode(rr, &ch)
	ct, err := keyring.ParseCiphertext(ch.CryptChallenge)
	if err != nil {
		a.t.Fatalf("parse challenge: %v", err)
	}
	answer, err := priv.Decrypt(ct)
	if err != nil {
		a.t.Fatalf("decrypt challenge: %v", err)
	}
	rr = a.do(http.MethodPost, "/v1/authenticate", "", map[string]string{
		"username": username,
		"token":    string(answer),
	})
	if rr.Code != http.StatusOK {
		a.t.Fatalf("authenticate %s: %d %s", username, rr.Code, rr.Body.String())
	}
	var sess struct {
		Token string `json:"token"`
	}
	a.decode(rr, &sess)
	return sess.Token
}

func TestHandshakeOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	if _, err := api.vault.AddUser(context.Background(), "root", true); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	pub, priv, err := keyring.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	rr := api.do(http.MethodPost, "/v1/setup", "", map[string]string{
		"username":   "root",
		"public_key": pub.Serialize(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("setup: %d %s", rr.Code, rr.Body.String())
	}

	token := api.login("root", priv)

	rr = api.do(http.MethodGet, "/v1/users", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated list users: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodGet, "/v1/users", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list users: got %d, want 401", rr.Code)
	}
	rr = api.do(http.MethodGet, "/v1/users", "bogus-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token: got %d, want 401", rr.Code)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	rr := api.do(http.MethodPost, "/v1/logout", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodGet, "/v1/users", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: got %d, want 401", rr.Code)
	}
}

func TestUserCreationIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	_, rootPriv := api.addUser("root", true)
	_, alicePriv := api.addUser("alice", false)
	rootToken := api.login("root", rootPriv)
	aliceToken := api.login("alice", alicePriv)

	rr := api.do(http.MethodPost, "/v1/users", aliceToken, map[string]any{"username": "bob"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin create: got %d, want 403", rr.Code)
	}

	rr = api.do(http.MethodPost, "/v1/users", rootToken, map[string]any{"username": "bob"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin create: %d %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "/v1/users/") {
		t.Fatalf("missing Location header, got %q", loc)
	}

	rr = api.do(http.MethodPost, "/v1/users", rootToken, map[string]any{"username": "bob"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate username: got %d, want 409", rr.Code)
	}
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	var cust vault.Customer
	rr := api.do(http.MethodPost, "/v1/customers", token, map[string]string{"name": "Initech"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create customer: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &cust)

	var machine vault.Machine
	rr = api.do(http.MethodPost, "/v1/machines", token, map[string]string{
		"customer_id": cust.ID,
		"name":        "db1",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create machine: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &machine)

	var group vault.Group
	rr = api.do(http.MethodPost, "/v1/groups", token, map[string]any{"name": "ops"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &group)

	var grant vault.Grant
	rr = api.do(http.MethodPost, "/v1/services", token, map[string]any{
		"machine_id": machine.ID,
		"url":        "ssh://db1/postgres",
		"group_ids":  []string{group.ID},
		"secret":     "pg-password",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create service: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &grant)
	if len(grant.EncryptedFor) != 1 || grant.EncryptedFor[0] != "root" {
		t.Fatalf("grant fan-out: %v", grant.EncryptedFor)
	}

	// Fetch and decrypt via the direct user cipher.
	var view vault.ServiceView
	rr = api.do(http.MethodGet, "/v1/services/"+grant.ServiceID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get service: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &view)
	if got := decryptView(t, priv, &view); got != "pg-password" {
		t.Fatalf("decrypted secret: got %q", got)
	}

	// Rotate and confirm the new material decrypts to the new value.
	rr = api.do(http.MethodPut, "/v1/services/"+grant.ServiceID+"/secret", token, map[string]string{
		"secret": "rotated",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate secret: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodGet, "/v1/services/"+grant.ServiceID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get after rotation: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &view)
	if got := decryptView(t, priv, &view); got != "rotated" {
		t.Fatalf("decrypted rotated secret: got %q", got)
	}

	rr = api.do(http.MethodGet, "/v1/services/"+grant.ServiceID+"/tree", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get tree: %d %s", rr.Code, rr.Body.String())
	}
	var tree struct {
		Services []vault.ServiceView `json:"services"`
	}
	api.decode(rr, &tree)
	if len(tree.Services) != 1 || tree.Services[0].ID != grant.ServiceID {
		t.Fatalf("tree: %+v", tree.Services)
	}

	rr = api.do(http.MethodGet, "/v1/search?q=postgres", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "ssh://db1/postgres") {
		t.Fatalf("search miss: %s", rr.Body.String())
	}
}

func decryptView(t *testing.T, priv *keyring.PrivateKey, view *vault.ServiceView) string {
	t.Helper()
	ct, err := keyring.ParseCiphertext(view.CryptSymKey)
	if err != nil {
		t.Fatalf("parse sym key: %v", err)
	}
	symKey, err := priv.Decrypt(ct)
	if err != nil {
		t.Fatalf("unwrap sym key: %v", err)
	}
	sealed, err := vault.DecodeBlob(view.Secret)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	plain, err := keyring.OpenSecret(symKey, sealed)
	if err != nil {
		t.Fatalf("open secret: %v", err)
	}
	return string(plain)
}

func TestBlockedDeleteReportsChildren(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	var cust vault.Customer
	rr := api.do(http.MethodPost, "/v1/customers", token, map[string]string{"name": "Initech"})
	api.decode(rr, &cust)
	var machine vault.Machine
	rr = api.do(http.MethodPost, "/v1/machines", token, map[string]string{
		"customer_id": cust.ID, "name": "db1",
	})
	api.decode(rr, &machine)
	var group vault.Group
	rr = api.do(http.MethodPost, "/v1/groups", token, map[string]any{"name": "ops"})
	api.decode(rr, &group)

	var parent vault.Grant
	rr = api.do(http.MethodPost, "/v1/services", token, map[string]any{
		"machine_id": machine.ID, "url": "ssh://bastion",
		"group_ids": []string{group.ID}, "secret": "a",
	})
	api.decode(rr, &parent)
	var child vault.Grant
	rr = api.do(http.MethodPost, "/v1/services", token, map[string]any{
		"machine_id": machine.ID, "url": "ssh://db1",
		"parent_service_id": parent.ServiceID,
		"group_ids":         []string{group.ID}, "secret": "b",
	})
	api.decode(rr, &child)

	rr = api.do(http.MethodDelete, "/v1/services/"+parent.ServiceID, token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("delete with child: got %d, want 409", rr.Code)
	}
	var blocked struct {
		Entity   string `json:"entity"`
		Children []struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"children"`
	}
	api.decode(rr, &blocked)
	if blocked.Entity != "service" || len(blocked.Children) != 1 || blocked.Children[0].ID != child.ServiceID {
		t.Fatalf("blocked payload: %s", rr.Body.String())
	}

	// Leaf first, then the parent goes through.
	if rr = api.do(http.MethodDelete, "/v1/services/"+child.ServiceID, token, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete child: %d %s", rr.Code, rr.Body.String())
	}
	if rr = api.do(http.MethodDelete, "/v1/services/"+parent.ServiceID, token, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete parent: %d %s", rr.Code, rr.Body.String())
	}
}

func TestGroupMembershipRoutes(t *testing.T) {
	api := newTestAPI(t)
	_, rootPriv := api.addUser("root", true)
	alice, alicePriv := api.addUser("alice", false)
	rootToken := api.login("root", rootPriv)
	aliceToken := api.login("alice", alicePriv)

	var group vault.Group
	rr := api.do(http.MethodPost, "/v1/groups", rootToken, map[string]any{"name": "ops"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", rr.Code, rr.Body.String())
	}
	api.decode(rr, &group)

	// A non-member cannot read grant material.
	rr = api.do(http.MethodGet, "/v1/groups/"+group.ID+"/users?user_id="+alice.ID, aliceToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider grant info: got %d, want 403", rr.Code)
	}

	rr = api.do(http.MethodGet, "/v1/groups/"+group.ID+"/users?user_id="+alice.ID, rootToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("grant info: %d %s", rr.Code, rr.Body.String())
	}
	var info vault.GroupGrant
	api.decode(rr, &info)

	// Client-side rewrap: unwrap the group key with the admin key, wrap it
	// for the candidate.
	wrapped, err := keyring.ParseCiphertext(info.CryptGroupKey)
	if err != nil {
		t.Fatalf("parse wrapped group key: %v", err)
	}
	groupKey, err := rootPriv.DecryptLong(wrapped)
	if err != nil {
		t.Fatalf("unwrap group key: %v", err)
	}
	alicePub, err := keyring.ParsePublicKey(info.UserPublicKey)
	if err != nil {
		t.Fatalf("parse candidate key: %v", err)
	}
	rewrapped, err := alicePub.EncryptLong(groupKey)
	if err != nil {
		t.Fatalf("rewrap group key: %v", err)
	}

	rr = api.do(http.MethodPost, "/v1/groups/"+group.ID+"/users", rootToken, map[string]any{
		"user_id":         alice.ID,
		"crypt_group_key": rewrapped.Serialize(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("admit member: %d %s", rr.Code, rr.Body.String())
	}

	// The new member now sees the group.
	rr = api.do(http.MethodGet, "/v1/groups/"+group.ID, aliceToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("member get group: %d %s", rr.Code, rr.Body.String())
	}

	rr = api.do(http.MethodDelete, "/v1/groups/"+group.ID+"/users/"+alice.ID, rootToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove member: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodDelete, "/v1/groups/"+group.ID+"/users/"+alice.ID, rootToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("remove absent member: got %d, want 404", rr.Code)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	rr := api.do(http.MethodPost, "/v1/customers", token, map[string]any{
		"name":     "Initech",
		"surprise": true,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: got %d, want 400", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	rr := api.do(http.MethodDelete, "/v1/search", token, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("Allow header: %q", allow)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/openapi.yaml"} {
		rr := api.do(http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: got %d, want 200", path, rr.Code)
		}
	}
}

func TestEventStreamDeliversMutations(t *testing.T) {
	api := newTestAPI(t)
	_, priv := api.addUser("root", true)
	token := api.login("root", priv)

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	// The comment frame confirms the subscription is live before publishing.
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "stream started") {
			break
		}
	}
	api.stream.Notify("secret.rotated", "svc-1", "root")

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Kind   string `json:"kind"`
			Entity string `json:"entity"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		if evt.Kind != "secret.rotated" || evt.Entity != "svc-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
	t.Fatalf("event never delivered: %v", scanner.Err())
}

func TestServiceDirectGrantRoutes(t *testing.T) {
	api := newTestAPI(t)
	root, rootPriv := api.addUser("root", true)
	bob, bobPriv := api.addUser("bob", false)
	rootToken := api.login("root", rootPriv)
	bobToken := api.login("bob", bobPriv)

	ctx := context.Background()
	cust, err := api.vault.AddCustomer(ctx, root.ID, "Initech")
	if err != nil {
		t.Fatalf("AddCustomer: %v", err)
	}
	machine, err := api.vault.AddMachine(ctx, vault.AddMachineInput{CustomerID: cust.ID, Name: "db1"})
	if err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	group, err := api.vault.AddGroup(ctx, root.ID, "ops", false)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	grant, err := api.vault.AddService(ctx, root.ID, vault.AddServiceInput{
		MachineID: machine.ID,
		URL:       "ssh://db1/postgres",
		GroupIDs:  []string{group.ID},
		Secret:    "pg-password",
	})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	base := "/v1/services/" + grant.ServiceID + "/users"

	// The protocol is administrator only.
	rr := api.do(http.MethodGet, base+"?user_id="+bob.ID, bobToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin grant info: got %d, want 403", rr.Code)
	}

	rr = api.do(http.MethodGet, base+"?user_id="+bob.ID, rootToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("grant info: %d %s", rr.Code, rr.Body.String())
	}
	var info vault.ServiceGrant
	api.decode(rr, &info)

	// Client-side rewrap of the symmetric key for the target.
	wrapped, err := keyring.ParseCiphertext(info.CryptSymKey)
	if err != nil {
		t.Fatalf("parse wrapped sym key: %v", err)
	}
	symKey, err := rootPriv.Decrypt(wrapped)
	if err != nil {
		t.Fatalf("unwrap sym key: %v", err)
	}
	bobPub, err := keyring.ParsePublicKey(info.UserPublicKey)
	if err != nil {
		t.Fatalf("parse target key: %v", err)
	}
	rewrapped, err := bobPub.Encrypt(symKey)
	if err != nil {
		t.Fatalf("rewrap sym key: %v", err)
	}

	rr = api.do(http.MethodPost, base, rootToken, map[string]any{
		"user_id":       bob.ID,
		"crypt_sym_key": rewrapped.Serialize(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("grant user: %d %s", rr.Code, rr.Body.String())
	}

	// Bob now reads and decrypts through his direct row.
	rr = api.do(http.MethodGet, "/v1/services/"+grant.ServiceID, bobToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get service as grantee: %d %s", rr.Code, rr.Body.String())
	}
	var view vault.ServiceView
	api.decode(rr, &view)
	if got := decryptView(t, bobPriv, &view); got != "pg-password" {
		t.Fatalf("decrypted secret: got %q", got)
	}

	rr = api.do(http.MethodDelete, base+"/"+bob.ID, rootToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke user: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodGet, "/v1/services/"+grant.ServiceID, bobToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("get service after revoke: got %d, want 403", rr.Code)
	}
	rr = api.do(http.MethodDelete, base+"/"+bob.ID, rootToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("revoke absent row: got %d, want 404", rr.Code)
	}
}
