/*
Package runtime abstracts the container engine that executes run bundles.

ContainerRuntime covers the operations the worker's run state machine needs:
pulling and inspecting images, launching a container with dependency bind
mounts and cpuset/memory ceilings, probing liveness and exit codes, sampling
cgroup usage, and tearing containers down. ContainerdRuntime is the
production implementation; tests drive the state machine with an in-memory
fake.
*/
package runtime
