// Package setup checks that a host can run jobs: hardware virtualization,
// a cgroup v2 hierarchy, the tools the rootfs builder and the backend exec,
// and user namespaces where the jail asks for them.
//
// It is the only package allowed to use a package level logger.
package setup
