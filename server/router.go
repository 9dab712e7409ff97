package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/ddasdkimo/keyvalueserver/types"
)

var methodNames = [...]string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

const methodCount = len(methodNames)

func methodIndex(method string) int {
	for i, name := range methodNames {
		if name == method {
			return i
		}
	}
	return -1
}

type routeNode struct {
	static    map[string]*routeNode
	param     *routeNode
	paramName string
	routes    [methodCount]*types.RouteInfo
}

func newRouteNode() *routeNode {
	return &routeNode{static: make(map[string]*routeNode)}
}

type Param struct {
	Name  string
	Value string
}

// Router keeps literal paths in a map and parametrised ones ({name} or
// :name segments) in a trie. Literal segments win over parameters.
type Router struct {
	root    *routeNode
	static  map[string]*types.RouteInfo
	pending []*RouteBuilder
	mu      sync.RWMutex
}

func NewRouter() *Router {
	return &Router{
		root:   newRouteNode(),
		static: make(map[string]*types.RouteInfo),
	}
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	idx := methodIndex(method)
	if idx < 0 || handler == nil {
		return
	}

	if config == nil {
		config = &types.RouteConfig{}
	}

	path = normalizePath(path)
	info := &types.RouteInfo{Method: method, Path: path, Handler: handler, Config: config}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{:") {
		r.static[method+":"+path] = info
		return
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if name, ok := paramName(segment); ok {
			if node.param == nil {
				node.param = newRouteNode()
				node.param.paramName = name
			}
			node = node.param
			continue
		}

		child, exists := node.static[segment]
		if !exists {
			child = newRouteNode()
			node.static[segment] = child
		}
		node = child
	}

	node.routes[idx] = info
}

// Lookup resolves a request. HEAD falls back to the GET route.
func (r *Router) Lookup(method, path string) (*types.RouteInfo, []Param) {
	path = normalizePath(path)

	info, params := r.lookup(method, path)
	if info == nil && method == "HEAD" {
		return r.lookup("GET", path)
	}
	return info, params
}

func (r *Router) lookup(method, path string) (*types.RouteInfo, []Param) {
	idx := methodIndex(method)
	if idx < 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if info := r.static[method+":"+path]; info != nil {
		return info, nil
	}

	var params []Param
	info := r.match(r.root, splitPath(path), idx, &params)
	return info, params
}

func (r *Router) match(node *routeNode, segments []string, idx int, params *[]Param) *types.RouteInfo {
	if len(segments) == 0 {
		return node.routes[idx]
	}

	if child, ok := node.static[segments[0]]; ok {
		if info := r.match(child, segments[1:], idx, params); info != nil {
			return info
		}
	}

	if node.param != nil {
		mark := len(*params)
		*params = append(*params, Param{Name: node.param.paramName, Value: segments[0]})
		if info := r.match(node.param, segments[1:], idx, params); info != nil {
			return info
		}
		*params = (*params)[:mark]
	}

	return nil
}

func (r *Router) route(method, path string, handler types.FastHTTPHandler) *RouteBuilder {
	rb := &RouteBuilder{
		router:  r,
		method:  method,
		path:    path,
		handler: handler,
		config:  &types.RouteConfig{},
	}

	r.mu.Lock()
	r.pending = append(r.pending, rb)
	r.mu.Unlock()

	return rb
}

// FinalizePendingRoutes adds the routes declared through builders. Builders
// are finalized late because their options are chained after creation.
func (r *Router) FinalizePendingRoutes() error {
	r.mu.Lock()
	routes := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed int
	for _, route := range routes {
		if err := route.finalize(); err != nil {
			failed++
		}
	}

	if failed > 0 {
		return types.Errorf(types.ErrRouteFinalizationFailed, "%d routes rejected", failed)
	}
	return nil
}

func (r *Router) Group(prefix string) types.GroupBuilder {
	return &GroupBuilder{
		router: r,
		prefix: prefix,
		config: &types.RouteConfig{},
	}
}

func (r *Router) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("GET", path, handler)
}

func (r *Router) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("POST", path, handler)
}

func (r *Router) PUT(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("PUT", path, handler)
}

func (r *Router) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("DELETE", path, handler)
}

func (r *Router) GetAllRoutes() map[string]*types.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]*types.RouteInfo, len(r.static))
	for key, info := range r.static {
		routes[key] = info
	}

	var walk func(node *routeNode)
	walk = func(node *routeNode) {
		for _, info := range node.routes {
			if info != nil {
				routes[info.Method+":"+info.Path] = info
			}
		}
		for _, child := range node.static {
			walk(child)
		}
		if node.param != nil {
			walk(node.param)
		}
	}
	walk(r.root)

	return routes
}

// Paths lists the registered routes as "METHOD path", sorted.
func (r *Router) Paths() []string {
	routes := r.GetAllRoutes()

	out := make([]string, 0, len(routes))
	for _, info := range routes {
		out = append(out, info.Method+" "+info.Path)
	}
	sort.Strings(out)
	return out
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}
	return path
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func paramName(segment string) (string, bool) {
	switch {
	case len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}':
		return segment[1 : len(segment)-1], true
	case len(segment) > 1 && segment[0] == ':':
		return segment[1:], true
	default:
		return "", false
	}
}
