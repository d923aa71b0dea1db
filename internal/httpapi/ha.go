package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/omeyang/xguard/pkg/ha/xbalance"
	"github.com/omeyang/xguard/pkg/ha/xcluster"
	"github.com/omeyang/xguard/pkg/ha/xregistry"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/resilience/xbulkhead"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
)

func (s *Server) routeHA() {
	s.mux.HandleFunc("GET /ha/load-balancer/nodes", s.listNodes)
	s.mux.HandleFunc("POST /ha/load-balancer/nodes", s.addNode)
	s.mux.HandleFunc("GET /ha/load-balancer/nodes/{nodeId}", s.getNode)
	s.mux.HandleFunc("DELETE /ha/load-balancer/nodes/{nodeId}", s.removeNode)
	s.mux.HandleFunc("GET /ha/load-balancer/pick", s.pickNode)

	s.mux.HandleFunc("GET /ha/service-registry/services", s.listServices)
	s.mux.HandleFunc("GET /ha/service-registry/services/{serviceName}", s.serviceInstances)
	s.mux.HandleFunc("POST /ha/service-registry/register", s.registerInstance)
	s.mux.HandleFunc("DELETE /ha/service-registry/deregister/{serviceName}/{instanceId}", s.deregisterInstance)
	s.mux.HandleFunc("POST /ha/service-registry/heartbeat/{serviceName}/{instanceId}", s.instanceHeartbeat)

	s.mux.HandleFunc("GET /ha/cluster/members", s.listMembers)
	s.mux.HandleFunc("POST /ha/cluster/members", s.addMember)
	s.mux.HandleFunc("DELETE /ha/cluster/members/{memberId}", s.removeMember)
	s.mux.HandleFunc("POST /ha/cluster/members/{memberId}/heartbeat", s.memberHeartbeat)

	s.mux.HandleFunc("GET /ha/health-checks", s.healthChecks)
	s.mux.HandleFunc("POST /ha/health-checks/run", s.runHealthChecks)
	s.mux.HandleFunc("GET /ha/status", s.haStatus)
	s.mux.HandleFunc("GET /ha/readiness", s.readiness)
	s.mux.HandleFunc("GET /ha/liveness", s.liveness)
}

type nodeView struct {
	xbalance.Node
	Stats xbalance.Stats `json:"stats"`
}

func (s *Server) nodeViews() []nodeView {
	stats := s.cp.Balancer.Stats()
	nodes := s.cp.Balancer.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{Node: n, Stats: stats[n.ID]})
	}
	return out
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"strategy": s.cp.Balancer.Strategy(),
		"nodes":    s.nodeViews(),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("nodeId")
	for _, v := range s.nodeViews() {
		if v.ID == id {
			s.writeJSON(w, http.StatusOK, v)
			return
		}
	}
	s.writeError(w, r, http.StatusNotFound, "node not found", nil)
}

// nodeRequest healthy 缺省为 true。
type nodeRequest struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight"`
	Healthy *bool  `json:"healthy"`
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid node", err)
		return
	}
	n := xbalance.Node{ID: req.ID, Host: req.Host, Port: req.Port, Weight: req.Weight, Healthy: true}
	if req.Healthy != nil {
		n.Healthy = *req.Healthy
	}
	if err := s.cp.Balancer.AddNode(n); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid node", err)
		return
	}
	s.logger.Info(r.Context(), "load balancer node added", xlog.Key(n.ID))
	s.writeJSON(w, http.StatusCreated, n)
}

func (s *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("nodeId")
	if !s.cp.Balancer.RemoveNode(id) {
		s.writeError(w, r, http.StatusNotFound, "node not found", nil)
		return
	}
	s.logger.Info(r.Context(), "load balancer node removed", xlog.Key(id))
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// pickNode 按当前策略为调用方选择节点，选择结果计入节点统计。
func (s *Server) pickNode(w http.ResponseWriter, r *http.Request) {
	ip := xlimit.ClientIP(r, s.cp.Config.Limits.TrustProxy)
	n, err := s.cp.Balancer.Pick(ip)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "no healthy node available", err)
		return
	}
	s.cp.Balancer.Release(n.ID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node":     n,
		"address":  n.Address(),
		"strategy": s.cp.Balancer.Strategy(),
		"clientIp": ip,
	})
}

func (s *Server) listServices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Registry.Summary())
}

func (s *Server) serviceInstances(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("serviceName")
	all := s.cp.Registry.Instances(name)
	if len(all) == 0 {
		s.writeError(w, r, http.StatusNotFound, "service not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":   name,
		"instances": all,
		"healthy":   len(s.cp.Registry.HealthyInstances(name)),
	})
}

type registerRequest struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"serviceName"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Tags        []string          `json:"tags"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid instance", err)
		return
	}
	inst, err := s.cp.Registry.Register(xregistry.Instance{
		ID:          req.ID,
		ServiceName: req.ServiceName,
		Host:        req.Host,
		Port:        req.Port,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "serviceName and host are required", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) deregisterInstance(w http.ResponseWriter, r *http.Request) {
	svc, id := r.PathValue("serviceName"), r.PathValue("instanceId")
	if !s.cp.Registry.Deregister(svc, id) {
		s.writeError(w, r, http.StatusNotFound, "instance not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"service": svc, "deregistered": id})
}

func (s *Server) instanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	svc, id := r.PathValue("serviceName"), r.PathValue("instanceId")
	if !s.cp.Registry.Heartbeat(svc, id) {
		s.writeError(w, r, http.StatusNotFound, "instance not found", nil)
		return
	}
	inst, _ := s.cp.Registry.Lookup(svc, id)
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) listMembers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Cluster.Members())
}

type memberRequest struct {
	ID     string        `json:"id"`
	NodeID string        `json:"nodeId"`
	Host   string        `json:"host"`
	Port   int           `json:"port"`
	Role   xcluster.Role `json:"role"`
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid member", err)
		return
	}
	mem, err := s.cp.Cluster.AddMember(xcluster.Member{
		ID: req.ID, NodeID: req.NodeID, Host: req.Host, Port: req.Port, Role: req.Role,
	})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid member", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("memberId")
	if !s.cp.Cluster.RemoveMember(id) {
		s.writeError(w, r, http.StatusNotFound, "member not found or not removable", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) memberHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("memberId")
	if !s.cp.Cluster.RecordHeartbeat(id) {
		s.writeError(w, r, http.StatusNotFound, "member not found", nil)
		return
	}
	mem, _ := s.cp.Cluster.Member(id)
	s.writeJSON(w, http.StatusOK, mem)
}

func (s *Server) healthChecks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"overall": s.cp.Health.LastOverall(),
		"checks":  s.cp.Health.LastResults(),
		"names":   s.cp.Health.Names(),
	})
}

// runHealthChecks 立即执行全部检查。并发执行数受 HealthRuns 舱壁限制，超出时返回 429。
func (s *Server) runHealthChecks(w http.ResponseWriter, r *http.Request) {
	var overall xhealth.Overall
	err := s.cp.HealthRuns.TryExecute(r.Context(), func(ctx context.Context) error {
		overall = s.cp.Health.Overall(ctx)
		return nil
	})
	switch {
	case errors.Is(err, xbulkhead.ErrFull):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, r, http.StatusTooManyRequests, "health checks already running", err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusServiceUnavailable, "health checks failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, overall)
}

func (s *Server) haStatus(w http.ResponseWriter, _ *http.Request) {
	healthy := 0
	nodes := s.cp.Balancer.Nodes()
	for _, n := range nodes {
		if n.Healthy {
			healthy++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"loadBalancer": map[string]any{
			"strategy":     s.cp.Balancer.Strategy(),
			"totalNodes":   len(nodes),
			"healthyNodes": healthy,
		},
		"serviceRegistry": s.cp.Registry.Summary(),
		"cluster":         s.cp.Cluster.Status(),
		"health":          s.cp.Health.LastOverall().Status,
	})
}

// readiness 只有 HEALTHY 才就绪。尚无缓存结果时先执行一轮检查。
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	overall := s.cp.Health.LastOverall()
	if len(overall.Checks) == 0 {
		overall = s.cp.Health.Overall(r.Context())
	}
	data := map[string]any{"ready": overall.Status == xhealth.StatusHealthy, "status": overall.Status}
	if overall.Status != xhealth.StatusHealthy {
		s.encode(w, http.StatusServiceUnavailable, envelope{Success: false, Data: data,
			Error: "service not ready", Timestamp: s.now().UTC()})
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alive":  true,
		"uptime": s.now().Sub(s.started).Seconds(),
	})
}
