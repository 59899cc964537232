package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Route is one protected page of the portal. Permission is the code a
// user needs to enter it; empty means any authenticated user.
type Route struct {
	Path       string `yaml:"path"`
	Title      string `yaml:"title"`
	Permission string `yaml:"permission"`
}

// DefaultRoutes is the route table used when ROUTES_FILE is unset. The
// order matters: the first route a user may enter is where public pages
// send an already authenticated user.
var DefaultRoutes = []Route{
	{Path: "/dashboard", Title: "Panel", Permission: "DASHBOARD_VER"},
	{Path: "/espacios", Title: "Espacios", Permission: "ESPACIOS_VER"},
	{Path: "/reservas", Title: "Reservas", Permission: "RESERVAS_VER"},
	{Path: "/pagos", Title: "Pagos", Permission: "PAGOS_VER"},
	{Path: "/roles", Title: "Roles y permisos", Permission: "ROLES_VER"},
	{Path: "/perfil", Title: "Perfil"},
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes reads a route table:
//
//	routes:
//	  - path: /dashboard
//	    title: Panel
//	    permission: DASHBOARD_VER
//
// An empty path returns DefaultRoutes.
func LoadRoutes(path string) ([]Route, error) {
	if path == "" {
		return DefaultRoutes, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var f routesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("routes file %s defines no routes", path)
	}
	for i, r := range f.Routes {
		if r.Path == "" || r.Path[0] != '/' {
			return nil, fmt.Errorf("route %d: path %q must start with /", i, r.Path)
		}
	}
	return f.Routes, nil
}
