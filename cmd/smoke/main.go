// Smoke drives a running credvault-api through the full protocol: account
// setup, challenge-response login, entity creation, and a client-side decrypt
// of a freshly stored secret. Run it against a server with an empty store;
// the first setup call creates the administrator account.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"credvault.org/internal/keyring"
	"credvault.org/internal/vault"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func main() {
	base := os.Getenv("CREDVAULT_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	username := os.Getenv("CREDVAULT_ADMIN_USER")
	if username == "" {
		username = "admin"
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	pub, priv, err := keyring.GenerateKeypair()
	if err != nil {
		log.Fatalf("generate keypair: %v", err)
	}
	err = c.do(http.MethodPost, "/v1/setup", map[string]string{
		"username":   username,
		"public_key": pub.Serialize(),
	}, nil)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	var challenge struct {
		CryptChallenge string `json:"crypt_challenge"`
	}
	err = c.do(http.MethodPost, "/v1/login", map[string]string{"username": username}, &challenge)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	ct, err := keyring.ParseCiphertext(challenge.CryptChallenge)
	if err != nil {
		log.Fatalf("parse challenge: %v", err)
	}
	answer, err := priv.Decrypt(ct)
	if err != nil {
		log.Fatalf("decrypt challenge: %v", err)
	}

	var session struct {
		Token string `json:"token"`
	}
	err = c.do(http.MethodPost, "/v1/authenticate", map[string]string{
		"username": username,
		"token":    string(answer),
	}, &session)
	if err != nil {
		log.Fatalf("authenticate: %v", err)
	}
	c.token = session.Token

	var cust vault.Customer
	if err := c.do(http.MethodPost, "/v1/customers", map[string]string{"name": "Smoke Test Co"}, &cust); err != nil {
		log.Fatalf("create customer: %v", err)
	}
	var machine vault.Machine
	err = c.do(http.MethodPost, "/v1/machines", vault.AddMachineInput{
		CustomerID: cust.ID,
		Name:       "smoke-db1",
		FQDN:       "db1.smoke.test",
	}, &machine)
	if err != nil {
		log.Fatalf("create machine: %v", err)
	}
	var group vault.Group
	if err := c.do(http.MethodPost, "/v1/groups", map[string]any{"name": "smoke-ops"}, &group); err != nil {
		log.Fatalf("create group: %v", err)
	}

	const plaintext = "smoke-pg-password"
	var grant vault.Grant
	err = c.do(http.MethodPost, "/v1/services", vault.AddServiceInput{
		MachineID: machine.ID,
		URL:       "ssh://db1.smoke.test/postgres",
		GroupIDs:  []string{group.ID},
		Secret:    plaintext,
	}, &grant)
	if err != nil {
		log.Fatalf("create service: %v", err)
	}
	if len(grant.EncryptedFor) == 0 {
		log.Fatalf("empty grant fan-out for service %s", grant.ServiceID)
	}

	var view vault.ServiceView
	if err := c.do(http.MethodGet, "/v1/services/"+grant.ServiceID, nil, &view); err != nil {
		log.Fatalf("get service: %v", err)
	}
	keyCT, err := keyring.ParseCiphertext(view.CryptSymKey)
	if err != nil {
		log.Fatalf("parse sym key: %v", err)
	}
	symKey, err := priv.Decrypt(keyCT)
	if err != nil {
		log.Fatalf("unwrap sym key: %v", err)
	}
	sealed, err := vault.DecodeBlob(view.Secret)
	if err != nil {
		log.Fatalf("decode secret blob: %v", err)
	}
	got, err := keyring.OpenSecret(symKey, sealed)
	if err != nil {
		log.Fatalf("open secret: %v", err)
	}
	if string(got) != plaintext {
		log.Fatalf("secret round trip failed: got %q", got)
	}

	var tree struct {
		Services []vault.ServiceView `json:"services"`
	}
	if err := c.do(http.MethodGet, "/v1/services/"+grant.ServiceID+"/tree", nil, &tree); err != nil {
		log.Fatalf("get tree: %v", err)
	}
	if len(tree.Services) != 1 || tree.Services[0].ID != grant.ServiceID {
		log.Fatalf("unexpected tree for %s: %+v", grant.ServiceID, tree.Services)
	}

	fmt.Printf("✅ credvault smoke test passed: service=%s encrypted_for=%v\n",
		grant.ServiceID, grant.EncryptedFor)
}
