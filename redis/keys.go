package redis

// Key layout, all under one namespace:
//
//	<ns>:job:<id>     job record (JSON)
//	<ns>:jobs         set of all job ids
//	<ns>:queue:<name> pending job ids (LPUSH head, RPOP tail)
//	<ns>:queues       set of all queue names seen
//	<ns>:scheduled    zset of delayed job ids, scored by their ready time
//	<ns>:schedules    hash of schedule id to schedule record (JSON)

func namespacePrefix(namespace string) string {
	l := len(namespace)
	if (l > 0) && (namespace[l-1] != ':') {
		namespace = namespace + ":"
	}
	return namespace
}

func keyJob(namespace, id string) string {
	return namespacePrefix(namespace) + "job:" + id
}

func keyJobs(namespace string) string {
	return namespacePrefix(namespace) + "jobs"
}

func keyQueue(namespace, name string) string {
	return namespacePrefix(namespace) + "queue:" + name
}

func keyQueues(namespace string) string {
	return namespacePrefix(namespace) + "queues"
}

func keyScheduled(namespace string) string {
	return namespacePrefix(namespace) + "scheduled"
}

func keySchedules(namespace string) string {
	return namespacePrefix(namespace) + "schedules"
}
