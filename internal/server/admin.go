package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/security"
	"github.com/exoml/relay/internal/util"
)

// adminTokenTTL bounds minted admin session tokens.
const adminTokenTTL = 12 * time.Hour

// errNoChange marks an idempotent admin action: the response is already
// prepared and the snapshot must not be rewritten.
var errNoChange = errors.New("server: admin action made no change")

// adminAuthorized accepts the fixed admin key or a minted session token.
func (s *Server) adminAuthorized(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if s.cfg.AdminAPIKey != "" && token == s.cfg.AdminAPIKey {
		return true
	}
	if s.cfg.AdminJWTSecret != "" {
		if _, errParse := security.ParseAdminToken(s.cfg.AdminJWTSecret, token); errParse == nil {
			return true
		}
	}
	return false
}

func (s *Server) rejectForbiddenAdmin(c *gin.Context) {
	log.Warn("admin route access denied: invalid or missing key")
	c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden: Invalid admin API key."})
}

// handleAdminListKeys returns the full account document, reloaded from disk
// so out-of-band edits are visible.
func (s *Server) handleAdminListKeys(c *gin.Context) {
	if !s.adminAuthorized(c) {
		s.rejectForbiddenAdmin(c)
		return
	}
	s.store.Load()
	c.JSON(http.StatusOK, gin.H{"users": s.store.Users().Users})
}

// handleAdminAuth exchanges the fixed admin key for a short-lived session
// token, so downstream tooling never has to hold the root credential.
func (s *Server) handleAdminAuth(c *gin.Context) {
	if !s.adminAuthorized(c) {
		s.rejectForbiddenAdmin(c)
		return
	}
	if s.cfg.AdminJWTSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin session tokens are not configured."})
		return
	}
	token, errToken := security.GenerateAdminToken(s.cfg.AdminJWTSecret, "admin", adminTokenTTL)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mint admin token."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int64(adminTokenTTL / time.Second)})
}

// adminReply pairs the HTTP response with whether the snapshot changed.
type adminReply struct {
	status int
	body   gin.H
}

// handleAdminKeyAction applies one account-management action. Idempotent
// requests answer with an "already" message and leave the snapshot, and its
// last_updated_timestamp fields, untouched.
func (s *Server) handleAdminKeyAction(c *gin.Context) {
	if !s.adminAuthorized(c) {
		s.rejectForbiddenAdmin(c)
		return
	}

	var body map[string]any
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON in admin request body."})
		return
	}
	action, _ := body["action"].(string)
	targetKey, _ := body["api_key"].(string)
	if action == "" || targetKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'action' or 'api_key' in admin request body."})
		return
	}
	log.Infof("admin action %s requested for key %s", action, util.HideAPIKey(targetKey))

	var reply adminReply
	errMutate := s.store.MutateUsers(func(doc *config.UsersDoc) error {
		var errAction error
		switch action {
		case "add":
			reply, errAction = s.adminAdd(doc, targetKey, body)
		case "enable", "disable":
			reply, errAction = s.adminSetEnabled(doc, targetKey, action)
		case "change_plan":
			reply, errAction = s.adminChangePlan(doc, targetKey, body)
		case "resetkey":
			reply, errAction = s.adminResetKey(doc, targetKey)
		case "add_tokens":
			reply, errAction = s.adminAddTokens(doc, targetKey, body)
		case "upgrade_pay2go":
			reply, errAction = s.adminUpgradePay2go(doc, targetKey, body)
		case "set_opensource":
			reply, errAction = s.adminSetOpensource(doc, targetKey, body)
		case "set_opensource_rpm":
			reply, errAction = s.adminSetOpensourceRPM(doc, targetKey, body)
		default:
			reply = adminReply{http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid admin action: %s. Valid actions: add, enable, disable, change_plan, resetkey, add_tokens, upgrade_pay2go, set_opensource, set_opensource_rpm.", action)}}
			errAction = errNoChange
		}
		return errAction
	})
	if errMutate != nil && !errors.Is(errMutate, errNoChange) {
		if errors.Is(errMutate, config.ErrSnapshotSave) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save account changes."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Internal server error processing admin request: %v", errMutate)})
		return
	}
	c.JSON(reply.status, reply.body)
}

func (s *Server) adminAdd(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	username, _ := body["username"].(string)
	if username == "" {
		return adminReply{http.StatusBadRequest, gin.H{"error": "Missing 'username' for 'add' action."}}, errNoChange
	}
	plan, ok := body["plan"].(string)
	if !ok {
		plan = "0"
	}
	if !ledger.IsValidPlan(plan) {
		return adminReply{http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid plan '%s'. Valid plans: %v", plan, ledger.ValidPlans)}}, errNoChange
	}
	if doc.Users[targetKey] != nil {
		return adminReply{http.StatusConflict, gin.H{"error": fmt.Sprintf("API key %s already exists.", util.KeySuffix(targetKey))}}, errNoChange
	}

	userID, _ := body["user_id"].(string)
	acct := &config.UserAccount{
		Username:             username,
		UserID:               userID,
		Plan:                 plan,
		Enabled:              true,
		LastUpdatedTimestamp: s.now().Unix(),
	}
	if plan == ledger.PlanPay2go {
		acct.SetBalance(0)
		upgraded := false
		acct.Pay2goUpgraded = &upgraded
	}
	doc.Users[targetKey] = acct
	log.Infof("admin: added user %q with key %s and plan %q", username, util.HideAPIKey(targetKey), plan)
	return adminReply{http.StatusCreated, gin.H{"message": fmt.Sprintf("User '%s' added successfully with key %s.", username, targetKey)}}, nil
}

func (s *Server) adminSetEnabled(doc *config.UsersDoc, targetKey, action string) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	enabled := action == "enable"
	if acct.Enabled == enabled {
		return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("API key %s is already %sd.", util.KeySuffix(targetKey), action)}}, errNoChange
	}
	acct.Enabled = enabled
	acct.LastUpdatedTimestamp = s.now().Unix()
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("API key %s has been %sd.", util.KeySuffix(targetKey), action)}}, nil
}

func (s *Server) adminChangePlan(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	newPlan, _ := body["new_plan"].(string)
	if newPlan == "" {
		return adminReply{http.StatusBadRequest, gin.H{"error": "Missing 'new_plan' parameter for 'change_plan' action."}}, errNoChange
	}
	if !ledger.IsValidPlan(newPlan) {
		return adminReply{http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid plan '%s'. Valid plans: %v", newPlan, ledger.ValidPlans)}}, errNoChange
	}
	oldPlan := acct.Plan
	if oldPlan == newPlan {
		return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("API key %s already has plan '%s'.", util.KeySuffix(targetKey), newPlan)}}, errNoChange
	}

	acct.Plan = newPlan
	acct.LastUpdatedTimestamp = s.now().Unix()
	switch {
	case newPlan == ledger.PlanPay2go:
		acct.SetBalance(0)
		upgraded := false
		acct.Pay2goUpgraded = &upgraded
	case oldPlan == ledger.PlanPay2go:
		acct.AvailableTokens = nil
		acct.Pay2goUpgraded = nil
	}
	log.Infof("admin: changed plan for key %s from %q to %q", util.HideAPIKey(targetKey), oldPlan, newPlan)
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("Plan for API key %s changed from '%s' to '%s'.", util.KeySuffix(targetKey), oldPlan, newPlan)}}, nil
}

func (s *Server) adminResetKey(doc *config.UsersDoc, targetKey string) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	newKey, errGenerate := security.GenerateAPIKey()
	for errGenerate == nil && doc.Users[newKey] != nil {
		newKey, errGenerate = security.GenerateAPIKey()
	}
	if errGenerate != nil {
		return adminReply{}, fmt.Errorf("generate replacement key: %w", errGenerate)
	}
	doc.Users[newKey] = acct
	delete(doc.Users, targetKey)
	log.Infof("admin: reset key for user %q (old %s)", acct.Username, util.HideAPIKey(targetKey))
	return adminReply{http.StatusOK, gin.H{
		"message":     fmt.Sprintf("Key for user '%s' reset successfully.", acct.Username),
		"new_api_key": newKey,
	}}, nil
}

func (s *Server) adminAddTokens(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	if acct.Plan != ledger.PlanPay2go {
		return s.notPay2go(targetKey, acct)
	}
	tokens, ok := intParam(body, "tokens")
	if !ok || tokens <= 0 {
		return adminReply{http.StatusBadRequest, gin.H{"error": "Missing or invalid 'tokens' parameter for 'add_tokens' action. Must be a positive integer."}}, errNoChange
	}
	balance := acct.Balance() + tokens
	acct.SetBalance(balance)
	acct.LastUpdatedTimestamp = s.now().Unix()
	log.Infof("admin: added %d tokens to pay2go user %q, balance now %d", tokens, acct.Username, balance)
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("Added %d tokens to user '%s'. New balance: %d tokens.", tokens, acct.Username, balance)}}, nil
}

func (s *Server) adminUpgradePay2go(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	if acct.Plan != ledger.PlanPay2go {
		return s.notPay2go(targetKey, acct)
	}
	upgraded := true
	if raw, present := body["upgraded"]; present {
		value, ok := raw.(bool)
		if !ok {
			return adminReply{http.StatusBadRequest, gin.H{"error": "Invalid 'upgraded' parameter for 'upgrade_pay2go' action. Must be true or false."}}, errNoChange
		}
		upgraded = value
	}
	if acct.Upgraded() == upgraded {
		status := "upgraded"
		if !upgraded {
			status = "not upgraded"
		}
		return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("User %s is already %s.", util.KeySuffix(targetKey), status)}}, errNoChange
	}
	acct.Pay2goUpgraded = &upgraded
	acct.LastUpdatedTimestamp = s.now().Unix()
	status, access := "upgraded", "enabled"
	if !upgraded {
		status, access = "downgraded", "disabled"
	}
	log.Infof("admin: %s pay2go user %q, premium access %s", status, acct.Username, access)
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("User '%s' has been %s. Premium model access: %s.", acct.Username, status, access)}}, nil
}

func (s *Server) adminSetOpensource(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	access := false
	if raw, present := body["opensource"]; present {
		value, ok := raw.(bool)
		if !ok {
			return adminReply{http.StatusBadRequest, gin.H{"error": "Invalid 'opensource' parameter for 'set_opensource' action. Must be true or false."}}, errNoChange
		}
		access = value
	}
	status := "enabled"
	if !access {
		status = "disabled"
	}
	if acct.Opensource == access {
		return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("User %s already has opensource access %s.", util.KeySuffix(targetKey), status)}}, errNoChange
	}
	acct.Opensource = access
	acct.LastUpdatedTimestamp = s.now().Unix()
	log.Infof("admin: %s opensource access for user %q", status, acct.Username)
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("Opensource access %s for user '%s'.", status, acct.Username)}}, nil
}

func (s *Server) adminSetOpensourceRPM(doc *config.UsersDoc, targetKey string, body map[string]any) (adminReply, error) {
	acct := doc.Users[targetKey]
	if acct == nil {
		return s.keyNotFound(targetKey)
	}
	rpm, ok := intParam(body, "rpm_limit")
	if !ok || rpm < 0 {
		return adminReply{http.StatusBadRequest, gin.H{"error": "Invalid 'rpm_limit' parameter for 'set_opensource_rpm' action. Must be a non-negative integer."}}, errNoChange
	}
	if int64(acct.OpensourceRPM) == rpm {
		return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("User %s already has opensource RPM limit set to %d.", util.KeySuffix(targetKey), rpm)}}, errNoChange
	}
	acct.OpensourceRPM = int(rpm)
	acct.LastUpdatedTimestamp = s.now().Unix()
	log.Infof("admin: set opensource RPM limit to %d for user %q", rpm, acct.Username)
	return adminReply{http.StatusOK, gin.H{"message": fmt.Sprintf("Opensource RPM limit set to %d for user '%s'.", rpm, acct.Username)}}, nil
}

func (s *Server) keyNotFound(targetKey string) (adminReply, error) {
	return adminReply{http.StatusNotFound, gin.H{"error": fmt.Sprintf("API key %s not found.", util.KeySuffix(targetKey))}}, errNoChange
}

func (s *Server) notPay2go(targetKey string, acct *config.UserAccount) (adminReply, error) {
	return adminReply{http.StatusBadRequest, gin.H{"error": fmt.Sprintf("User %s does not have a pay2go plan. Current plan: %s", util.KeySuffix(targetKey), acct.Plan)}}, errNoChange
}

// intParam extracts a whole-number JSON parameter.
func intParam(body map[string]any, name string) (int64, bool) {
	raw, present := body[name]
	if !present {
		return 0, false
	}
	value, ok := raw.(float64)
	if !ok || value != math.Trunc(value) {
		return 0, false
	}
	return int64(value), true
}
