// Package registry defines service discovery for stream-rpc and its etcd
// implementation.
package registry

type ServiceInstance struct {
	Addr    string
	Weight  int // for weighted load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
